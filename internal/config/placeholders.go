package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// expandPlaceholders substitutes placeholders in a pool URI so credentials
// can stay out of the pools file:
//
//	{$NAME}          value of env var NAME, an error if unset
//	{$NAME:default}  value of NAME, or default if unset
//	{file./path}     contents of the file, trailing newlines removed
func expandPlaceholders(in string) (string, error) {
	var errs []error

	var out strings.Builder
	out.Grow(len(in))

	for i := 0; i < len(in); {
		if strings.HasPrefix(in[i:], "{$") {
			end := strings.IndexByte(in[i+2:], '}')
			if end == -1 {
				errs = append(errs, errors.New("unterminated {$...} placeholder"))
				out.WriteString(in[i:])
				break
			}
			body := in[i+2 : i+2+end]
			name, def, hasDef := strings.Cut(body, ":")
			switch val, ok := os.LookupEnv(name); {
			case name == "":
				errs = append(errs, errors.New("empty env var in {$...} placeholder"))
			case ok:
				out.WriteString(val)
			case hasDef:
				out.WriteString(def)
			default:
				errs = append(errs, fmt.Errorf("env var %q not set", name))
			}
			i += 2 + end + 1
			continue
		}

		if strings.HasPrefix(in[i:], "{file.") {
			end := strings.IndexByte(in[i+6:], '}')
			if end == -1 {
				errs = append(errs, errors.New("unterminated {file.*} placeholder"))
				out.WriteString(in[i:])
				break
			}
			path := in[i+6 : i+6+end]
			i += 6 + end + 1
			if path == "" {
				errs = append(errs, errors.New("empty path in {file.*} placeholder"))
				continue
			}
			b, err := os.ReadFile(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("file placeholder %q: %w", path, err))
				continue
			}
			out.WriteString(strings.TrimRight(string(b), "\r\n"))
			continue
		}

		out.WriteByte(in[i])
		i++
	}

	return out.String(), errors.Join(errs...)
}
