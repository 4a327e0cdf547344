package jail

import (
	"fmt"
	"os/exec"
	"strings"
)

const maxPathLength = 1024

const allowedPathChars = "/0123456789-._ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz~"

// Sanitize validates and normalizes a user-supplied pathname. It returns
// false when name is empty, begins with '~', contains a character outside
// the allowed class, contains a ".." path component, or is 1024 bytes or
// longer. Otherwise it returns the normalized form: "/./" collapsed to "/",
// runs of "/" collapsed to one, and any trailing "/" stripped (except for
// the root path itself).
func Sanitize(name string) (string, bool) {
	if name == "" || name[0] == '~' || len(name) >= maxPathLength {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		if strings.IndexByte(allowedPathChars, name[i]) < 0 {
			return "", false
		}
	}

	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		out = append(out, c)

		switch {
		case c == '.' && (i+1 == len(name) || name[i+1] == '/') && i > 0 && name[i-1] == '/':
			// "/./" (or a trailing "/."): drop the dot and the slash after it.
			out = out[:len(out)-1]
			i++
		case c == '.' && i+1 < len(name) && name[i+1] == '.' &&
			(i+2 == len(name) || name[i+2] == '/') &&
			(i == 0 || name[i-1] == '/'):
			return "", false
		}

		for i+1 < len(name) && name[i] == '/' && name[i+1] == '/' {
			i++
		}
	}

	for len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}

	return string(out), true
}

// Absolute resolves name to an absolute path. If name already begins with
// "/" it is returned unchanged. Otherwise the current working directory is
// resolved by invoking the host "pwd" program (rather than os.Getwd, to
// match the directory a shell launched alongside this process would see)
// and prefixed onto name.
func Absolute(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return name, nil
	}

	cwd, err := hostPWD()
	if err != nil {
		return "", fmt.Errorf("pwd: %w", err)
	}

	cwd = strings.TrimRight(cwd, "/")

	return cwd + "/" + name, nil
}

func hostPWD() (string, error) {
	out, err := exec.Command("pwd").Output()
	if err != nil {
		return "", err
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != 1 {
		return "", fmt.Errorf("bogus absolute path")
	}

	return strings.TrimRight(lines[0], " \t\r\n/"), nil
}
