package js

import (
	"fmt"
	"regexp"
	"strings"
)

// The rewriter handles the statement forms plugins use in practice. Each
// pattern is anchored at the start of a line.
var (
	esmStatement  = regexp.MustCompile(`(?m)^[ \t]*(?:export|import)[\s{*'"]`)
	importDefault = regexp.MustCompile(`(?m)^([ \t]*)import\s+([A-Za-z_$][\w$]*)\s+from\s+(['"][^'"\n]+['"])[ \t]*;?`)
	importNS      = regexp.MustCompile(`(?m)^([ \t]*)import\s+\*\s+as\s+([A-Za-z_$][\w$]*)\s+from\s+(['"][^'"\n]+['"])[ \t]*;?`)
	importNamed   = regexp.MustCompile(`(?m)^([ \t]*)import\s*\{([^}]*)\}\s*from\s+(['"][^'"\n]+['"])[ \t]*;?`)
	importBare    = regexp.MustCompile(`(?m)^([ \t]*)import\s+(['"][^'"\n]+['"])[ \t]*;?`)
	exportDefault = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+`)
	exportDecl    = regexp.MustCompile(`(?m)^([ \t]*)export\s+((?:async\s+)?function\s*\*?\s*|class\s+|const\s+|let\s+|var\s+)([A-Za-z_$][\w$]*)`)
	exportList    = regexp.MustCompile(`(?m)^([ \t]*)export\s*\{([^}]*)\}[ \t]*;?`)
)

func looksLikeESM(src string) bool {
	return esmStatement.MatchString(src)
}

// rewriteESM turns import and export statements into their CommonJS
// equivalents. Single-line statements keep their line numbers.
func rewriteESM(src string) string {
	src = replaceSubmatch(importNS, src, func(m []string) string {
		return fmt.Sprintf("%sconst %s = require(%s);", m[1], m[2], m[3])
	})
	src = replaceSubmatch(importDefault, src, func(m []string) string {
		return fmt.Sprintf("%sconst %s = (function (m) { return m && m.default !== undefined ? m.default : m; })(require(%s));", m[1], m[2], m[3])
	})
	src = replaceSubmatch(importNamed, src, func(m []string) string {
		return fmt.Sprintf("%sconst { %s } = require(%s);", m[1], destructure(m[2]), m[3])
	})
	src = replaceSubmatch(importBare, src, func(m []string) string {
		return fmt.Sprintf("%srequire(%s);", m[1], m[2])
	})

	var tail []string
	src = replaceSubmatch(exportDecl, src, func(m []string) string {
		tail = append(tail, fmt.Sprintf("module.exports.%s = %s;", m[3], m[3]))
		return m[1] + m[2] + m[3]
	})
	src = replaceSubmatch(exportList, src, func(m []string) string {
		for _, spec := range splitList(m[2]) {
			local, exported := spec, spec
			if l, r, ok := strings.Cut(spec, " as "); ok {
				local, exported = strings.TrimSpace(l), strings.TrimSpace(r)
			}
			tail = append(tail, fmt.Sprintf("module.exports.%s = %s;", exported, local))
		}
		return m[1]
	})
	src = exportDefault.ReplaceAllString(src, "${1}module.exports.default = ")

	if len(tail) == 0 {
		return src
	}
	return src + "\n" + strings.Join(tail, " ")
}

// destructure converts an import list ("a, b as c") to a destructuring
// pattern ("a, b: c").
func destructure(list string) string {
	specs := splitList(list)
	for i, spec := range specs {
		if l, r, ok := strings.Cut(spec, " as "); ok {
			specs[i] = strings.TrimSpace(l) + ": " + strings.TrimSpace(r)
		}
	}
	return strings.Join(specs, ", ")
}

func splitList(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func replaceSubmatch(re *regexp.Regexp, src string, fn func([]string) string) string {
	return re.ReplaceAllStringFunc(src, func(match string) string {
		return fn(re.FindStringSubmatch(match))
	})
}
