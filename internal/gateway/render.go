package gateway

import (
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

// Render fills {{nombre}}/{{name}} with the recipient name and any other
// {{key}} from vars. Unknown keys render as empty strings; braces around
// anything that is not a key are left as written.
func Render(template, name string, vars map[string]string) string {
	return fasttemplate.ExecuteFuncString(template, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		key := strings.TrimSpace(tag)
		if !isKey(key) {
			return io.WriteString(w, "{{"+tag+"}}")
		}
		if v, ok := vars[key]; ok {
			return io.WriteString(w, v)
		}
		switch strings.ToLower(key) {
		case "nombre", "name":
			return io.WriteString(w, name)
		}
		return 0, nil
	})
}

func isKey(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
