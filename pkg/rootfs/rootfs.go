// Package rootfs maps absolute paths recorded in a crash log onto a filesystem
// snapshot.
package rootfs

import (
	"path/filepath"
)

// Join re-roots a logical absolute path under root. The logical path is cleaned
// as if it were absolute, so ".." can never climb out of root.
func Join(root, logical string) string {
	p := filepath.Clean("/" + logical)
	if root == "" || root == "/" {
		return p
	}
	return filepath.Join(root, p)
}
