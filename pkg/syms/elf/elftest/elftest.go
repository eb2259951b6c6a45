// Package elftest writes small synthetic ELF files for tests. The files carry
// only the sections the resolver looks at; they contain no code.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

// ntGNUBuildID is the ELF note type NT_GNU_BUILD_ID, which debug/elf does
// not define.
const ntGNUBuildID = 3

type Spec struct {
	// BuildID is a hex string stored in .note.gnu.build-id.
	BuildID string
	// DebugLink is stored in .gnu_debuglink.
	DebugLink string
	// Debug adds .debug_info and .debug_line.
	Debug bool
	// Compression, when non-zero, marks .debug_info as SHF_COMPRESSED with
	// this ch_type.
	Compression elf.CompressionType
	// GoBuildID is stored in .note.go.buildid.
	GoBuildID string
	// Class32 renders an ELF32 file for a 32-bit ARM target.
	Class32 bool
}

type section struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	data  []byte
}

// Bytes renders the spec as a little-endian ELF64 (or ELF32) shared object.
func Bytes(spec Spec) []byte {
	var sections []section
	if spec.BuildID != "" {
		sections = append(sections, section{".note.gnu.build-id", elf.SHT_NOTE, elf.SHF_ALLOC, buildIDNote(spec.BuildID)})
	}
	if spec.GoBuildID != "" {
		sections = append(sections, section{".note.go.buildid", elf.SHT_NOTE, elf.SHF_ALLOC, goBuildIDNote(spec.GoBuildID)})
	}
	if spec.DebugLink != "" {
		sections = append(sections, section{".gnu_debuglink", elf.SHT_PROGBITS, 0, debugLink(spec.DebugLink)})
	}
	if spec.Debug {
		info := section{".debug_info", elf.SHT_PROGBITS, 0, make([]byte, 16)}
		if spec.Compression != 0 {
			info.flags = elf.SHF_COMPRESSED
			info.data = compressedPayload(spec.Compression, spec.Class32)
		}
		sections = append(sections, info, section{".debug_line", elf.SHT_PROGBITS, 0, make([]byte, 16)})
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := make([]uint32, len(sections))
	for i, s := range sections {
		names[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	strtabName := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	sections = append(sections, section{".shstrtab", elf.SHT_STRTAB, 0, shstrtab.Bytes()})
	names = append(names, strtabName)

	if spec.Class32 {
		return render32(sections, names)
	}

	const ehsize = 64
	var body bytes.Buffer
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		pad(&body, ehsize, 8)
		offsets[i] = uint64(ehsize + body.Len())
		body.Write(s.data)
	}
	pad(&body, ehsize, 8)
	shoff := uint64(ehsize + body.Len())

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(len(sections) + 1),
		Shstrndx:  uint16(len(sections)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &hdr)
	out.Write(body.Bytes())
	binary.Write(&out, binary.LittleEndian, &elf.Section64{})
	for i, s := range sections {
		binary.Write(&out, binary.LittleEndian, &elf.Section64{
			Name:      names[i],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Addralign: 1,
		})
	}
	return out.Bytes()
}

func render32(sections []section, names []uint32) []byte {
	const ehsize = 52
	var body bytes.Buffer
	offsets := make([]uint32, len(sections))
	for i, s := range sections {
		pad(&body, ehsize, 4)
		offsets[i] = uint32(ehsize + body.Len())
		body.Write(s.data)
	}
	pad(&body, ehsize, 4)

	hdr := elf.Header32{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint32(ehsize + body.Len()),
		Ehsize:    ehsize,
		Shentsize: 40,
		Shnum:     uint16(len(sections) + 1),
		Shstrndx:  uint16(len(sections)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &hdr)
	out.Write(body.Bytes())
	binary.Write(&out, binary.LittleEndian, &elf.Section32{})
	for i, s := range sections {
		binary.Write(&out, binary.LittleEndian, &elf.Section32{
			Name:      names[i],
			Type:      uint32(s.typ),
			Flags:     uint32(s.flags),
			Off:       offsets[i],
			Size:      uint32(len(s.data)),
			Addralign: 1,
		})
	}
	return out.Bytes()
}

// Write creates path (and its parent directories) with the rendered spec.
func Write(tb testing.TB, path string, spec Spec) string {
	tb.Helper()
	WriteRaw(tb, path, Bytes(spec))
	return path
}

func WriteRaw(tb testing.TB, path string, data []byte) string {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatal(err)
	}
	return path
}

func buildIDNote(id string) []byte {
	desc, err := hex.DecodeString(id)
	if err != nil {
		panic(err)
	}
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(4))
	binary.Write(&b, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&b, binary.LittleEndian, uint32(ntGNUBuildID))
	b.WriteString("GNU\x00")
	b.Write(desc)
	return b.Bytes()
}

// goBuildIDNote lays the id out the way the Go linker does: a "Go" note whose
// descriptor is followed by one byte of padding.
func goBuildIDNote(id string) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(4))
	binary.Write(&b, binary.LittleEndian, uint32(len(id)))
	binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("Go\x00\x00")
	b.WriteString(id)
	b.WriteByte(0)
	return b.Bytes()
}

func debugLink(name string) []byte {
	var b bytes.Buffer
	b.WriteString(name)
	b.WriteByte(0)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	binary.Write(&b, binary.LittleEndian, crc32.ChecksumIEEE(nil))
	return b.Bytes()
}

func compressedPayload(typ elf.CompressionType, class32 bool) []byte {
	var b bytes.Buffer
	if class32 {
		binary.Write(&b, binary.LittleEndian, &elf.Chdr32{Type: uint32(typ), Size: 16, Addralign: 1})
	} else {
		binary.Write(&b, binary.LittleEndian, &elf.Chdr64{Type: uint32(typ), Size: 16, Addralign: 1})
	}
	b.Write(make([]byte, 8))
	return b.Bytes()
}

func pad(b *bytes.Buffer, base, align int) {
	for (base+b.Len())%align != 0 {
		b.WriteByte(0)
	}
}
