//go:build cgo_sqlite

package sqlite

import (
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// dsn appends pragmas in mattn/go-sqlite3 form: _key=value.
func dsn(path string, pragmas [][2]string) string {
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_" + p[0] + "=" + p[1])
	}
	return b.String()
}
