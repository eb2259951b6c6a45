package elf

import "fmt"

const debugLinkSection = ".gnu_debuglink"

// DebugLink returns the file name stored in .gnu_debuglink, or "" when the
// binary has none.
func (mf *File) DebugLink() (string, error) {
	data, err := mf.GetSectionData(debugLinkSection)
	if err != nil {
		return "", fmt.Errorf("get section data: %w", err)
	}
	// name, NUL, padding to 4 bytes, then a CRC32
	if data == nil || len(data.Data) < 6 {
		return "", nil
	}
	return cstring(data.Data), nil
}

func cstring(b []byte) string {
	var i int
	for ; i < len(b); i++ {
		if b[i] == 0 {
			break
		}
	}
	return string(b[:i])
}
