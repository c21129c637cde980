package js

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
				Object.prototype.polluted = true;
				Array.prototype.push = function () { return 'hijacked'; };
				globalThis.leaked = 'secret';
				'attacked';
			`,
			Verify: `
				(({}).polluted === undefined &&
					[].push(1) === 1 &&
					typeof leaked === 'undefined') ? 'clean' : 'polluted';
			`,
			Blocked: func(v any, err error) bool { return err == nil && v == "clean" },
		},
		{
			Name:    "process.exit",
			Attack:  `process.exit(1); 'alive';`,
			Blocked: func(v any, err error) bool { return err == nil && v == "alive" },
		},
		{
			Name:   "require('fs')",
			Attack: `require('fs');`,
			Blocked: func(_ any, err error) bool {
				return errors.Is(err, sandbox.ErrModuleNotAllowed)
			},
		},
		{
			Name:   "code generation",
			Attack: `
				(function () {
					var out = [typeof eval === 'function' ? 'escaped' : 'blocked'];
					[Function, ({}).constructor.constructor, (function* () {}).constructor, (async function () {}).constructor]
						.forEach(function (f) {
							try { f('return 1'); out.push('escaped'); } catch (e) { out.push('blocked'); }
						});
					return out.join(',');
				})();
			`,
			Blocked: func(v any, err error) bool {
				return err == nil && v == "blocked,blocked,blocked,blocked,blocked"
			},
		},
	}
}
