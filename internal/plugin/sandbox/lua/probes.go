package lua

import (
	"errors"

	"github.com/dshills/mercury/internal/plugin/sandbox"
)

// Probes returns the attacks ValidateSecurity runs against this engine.
func Probes() []sandbox.Probe {
	return []sandbox.Probe{
		{
			Name: "global pollution",
			Attack: `
				string.rep = nil
				leaked = "secret"
				return "attacked"
			`,
			Verify: `
				if string.rep ~= nil and leaked == nil then return "clean" end
				return "polluted"
			`,
			Blocked: func(v any, err error) bool { return err == nil && v == "clean" },
		},
		{
			Name:    "os.exit",
			Attack:  `if os.exit then os.exit(1) end return "alive"`,
			Blocked: func(v any, err error) bool { return err == nil && v == "alive" },
		},
		{
			Name:   "require('io')",
			Attack: `return require("io")`,
			Blocked: func(_ any, err error) bool {
				return errors.Is(err, sandbox.ErrModuleNotAllowed)
			},
		},
		{
			Name: "code generation",
			Attack: `
				if load or loadstring or dofile or loadfile or io or debug then
					return "escaped"
				end
				return "blocked"
			`,
			Blocked: func(v any, err error) bool { return err == nil && v == "blocked" },
		},
	}
}
