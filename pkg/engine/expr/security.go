package expr

import "strings"

const (
	rowIdentifier = "row"
	getAccessor   = "get"
)

// literalNames is the complete set of bare names besides row. Python-style
// capitalised spellings are accepted as aliases.
var literalNames = map[string]any{
	"true":  true,
	"True":  true,
	"false": false,
	"False": false,
	"null":  nil,
	"None":  nil,
}

// operatorKeywords are consumed by the parser as operators, never as names.
var operatorKeywords = map[string]bool{
	"and":  true,
	"or":   true,
	"not":  true,
	"in":   true,
	"is":   true,
	"if":   true,
	"else": true,
}

// forbiddenNames lists statement keywords and builtins that indicate an
// attempt to escape the expression language. Rejected before parsing.
var forbiddenNames = map[string]string{
	"lambda":       "anonymous functions",
	"def":          "function definitions",
	"class":        "class definitions",
	"import":       "imports",
	"from":         "imports",
	"__import__":   "dynamic imports",
	"importlib":    "dynamic imports",
	"exec":         "dynamic code execution",
	"eval":         "dynamic code execution",
	"compile":      "dynamic code execution",
	"for":          "comprehensions and generators",
	"async":        "comprehensions and generators",
	"await":        "coroutines",
	"yield":        "generators",
	"while":        "statements",
	"with":         "statements",
	"as":           "statements",
	"del":          "statements",
	"global":       "statements",
	"nonlocal":     "statements",
	"assert":       "statements",
	"raise":        "statements",
	"try":          "statements",
	"except":       "statements",
	"finally":      "statements",
	"return":       "statements",
	"pass":         "statements",
	"open":         "file access",
	"getattr":      "reflection",
	"setattr":      "reflection",
	"delattr":      "reflection",
	"hasattr":      "reflection",
	"globals":      "reflection",
	"locals":       "reflection",
	"vars":         "reflection",
	"dir":          "reflection",
	"type":         "reflection",
	"input":        "interactive input",
	"breakpoint":   "debugger access",
	"__builtins__": "builtins access",
}

// scanForbidden walks the raw token stream once. It runs before any syntax
// check so that dangerous input always reports ErrSecurity.
func scanForbidden(tokens []token) error {
	for _, tok := range tokens {
		switch tok.typ {
		case tokenWalrus:
			return securityErrorf(tok.pos, "assignment expressions are not permitted")
		case tokenAssign:
			return securityErrorf(tok.pos, "assignment is not permitted")
		case tokenIdentifier:
			if reason, ok := forbiddenNames[tok.literal]; ok {
				return securityErrorf(tok.pos, "%q is not permitted (%s)", tok.literal, reason)
			}
			if strings.HasPrefix(tok.literal, "__") {
				return securityErrorf(tok.pos, "dunder name %q is not permitted", tok.literal)
			}
		}
	}
	return nil
}
