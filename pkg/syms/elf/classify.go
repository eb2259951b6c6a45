package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/vietanhduong/crashsym/pkg/syms"
	"golang.org/x/sys/unix"
)

var elfMagic = []byte(elf.ELFMAG)

// Inspection is the outcome of classifying one file.
type Inspection struct {
	Status syms.Status
	// BuildID is the GNU build id, lower-case hex.
	BuildID string
	// GoBuildID is set for Go binaries linked without a GNU build id.
	GoBuildID string
	Detail    string
}

// Classify decides whether path can be used as a source of line information
// for a binary with the given build id (empty: don't check). It never returns
// an error; all problems are folded into the status.
func Classify(path, wantBuildID string) (ret Inspection) {
	defer func() {
		if r := recover(); r != nil {
			ret = Inspection{Status: syms.UNKNOWN_ERROR, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	st, err := os.Stat(path)
	if err != nil {
		return Inspection{Status: statusFromError(err), Detail: err.Error()}
	}
	if !st.Mode().IsRegular() {
		return Inspection{Status: syms.NOT_ELF, Detail: "not a regular file"}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Inspection{Status: syms.NO_READ_PERMISSION, Detail: err.Error()}
	}

	if status, detail := checkMagic(path); status != syms.OK {
		return Inspection{Status: status, Detail: detail}
	}

	mf, err := Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			return Inspection{Status: statusFromError(err), Detail: err.Error()}
		}
		return Inspection{Status: syms.CORRUPTED, Detail: err.Error()}
	}
	defer mf.Close()
	return mf.inspect(syms.NormalizeBuildID(wantBuildID))
}

func (mf *File) inspect(want string) Inspection {
	ret := Inspection{Status: syms.OK}
	if id := mf.BuildId(); id != nil {
		if id.GNU() {
			ret.BuildID = id.Id
		} else {
			ret.GoBuildID = id.Id
		}
	}
	if want != "" && ret.BuildID != "" && want != ret.BuildID {
		ret.Status = syms.MISMATCH_BUILD_ID
		ret.Detail = fmt.Sprintf("build-id %s, want %s", ret.BuildID, want)
		return ret
	}

	var hasInfo, hasLine bool
	for i := range mf.Sections {
		s := &mf.Sections[i]
		name := s.Name
		if strings.HasPrefix(name, ".zdebug_") {
			// Legacy GNU zlib-compressed sections.
			name = ".debug_" + strings.TrimPrefix(name, ".zdebug_")
		} else if strings.HasPrefix(name, ".debug_") && s.Flags&elf.SHF_COMPRESSED != 0 {
			typ, err := mf.compressionType(s)
			if err != nil {
				ret.Status, ret.Detail = syms.READ_ERROR, err.Error()
				return ret
			}
			if typ != elf.COMPRESS_ZLIB {
				ret.Status = syms.UNSUPPORTED_COMPRESSED
				ret.Detail = fmt.Sprintf("section %s compressed with %s", s.Name, typ)
				return ret
			}
		}
		switch name {
		case ".debug_info":
			hasInfo = true
		case ".debug_line":
			hasLine = true
		}
	}
	if !hasInfo || !hasLine {
		ret.Status, ret.Detail = syms.INCOMPLETE, "no .debug_info/.debug_line"
	}
	return ret
}

// compressionType reads ch_type, the first word of both Chdr32 and Chdr64.
func (mf *File) compressionType(s *elf.SectionHeader) (elf.CompressionType, error) {
	if err := mf.open(); err != nil {
		return 0, err
	}
	var buf [4]byte
	if _, err := mf.r.ReadAt(buf[:], int64(s.Offset)); err != nil {
		return 0, fmt.Errorf("read compression header of %s: %w", s.Name, err)
	}
	return elf.CompressionType(mf.ByteOrder.Uint32(buf[:])), nil
}

func checkMagic(path string) (syms.Status, string) {
	f, err := os.Open(path)
	if err != nil {
		return statusFromError(err), err.Error()
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return syms.NOT_ELF, "file too short"
		}
		return syms.READ_ERROR, err.Error()
	}
	if !bytes.Equal(magic[:], elfMagic) {
		return syms.NOT_ELF, "bad magic"
	}
	return syms.OK, ""
}

func statusFromError(err error) syms.Status {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENOTDIR):
		return syms.NOT_FOUND
	case errors.Is(err, fs.ErrPermission):
		return syms.NO_READ_PERMISSION
	default:
		return syms.READ_ERROR
	}
}
