package elf

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	bufra "github.com/avvmoto/buf-readerat"
)

const readBufferSize = 64 * 1024

// File is a parsed ELF header with its section table. Section contents are
// read lazily through a buffered ReaderAt.
type File struct {
	elf.FileHeader
	Sections []elf.SectionHeader

	fpath string
	f     *os.File
	r     io.ReaderAt
}

func Open(fpath string) (*File, error) {
	this := &File{fpath: fpath}
	if err := this.open(); err != nil {
		return nil, err
	}

	e, err := elf.NewFile(this.r)
	if err != nil {
		this.Close()
		return nil, fmt.Errorf("elf new file: %w", err)
	}
	this.Sections = make([]elf.SectionHeader, 0, len(e.Sections))
	for i := range e.Sections {
		this.Sections = append(this.Sections, e.Sections[i].SectionHeader)
	}
	this.FileHeader = e.FileHeader
	return this, nil
}

func (mf *File) FindSection(name string) *elf.SectionHeader {
	for i := range mf.Sections {
		if s := mf.Sections[i]; s.Name == name {
			return &s
		}
	}
	return nil
}

// GetSectionData returns the raw on-disk bytes of a section. Compressed
// sections are returned as stored, header included.
func (mf *File) GetSectionData(name string) (*SectionData, error) {
	section := mf.FindSection(name)
	if section == nil {
		return nil, nil
	}
	if section.Type == elf.SHT_NOBITS {
		return &SectionData{nil, section}, nil
	}
	if err := mf.open(); err != nil {
		return nil, fmt.Errorf("reopen: %w", err)
	}

	data := make([]byte, section.FileSize)
	if _, err := mf.r.ReadAt(data, int64(section.Offset)); err != nil {
		return nil, fmt.Errorf("read section %s: %w", name, err)
	}
	return &SectionData{data, section}, nil
}

func (mf *File) FilePath() string { return mf.fpath }

func (mf *File) Close() {
	if mf.f != nil {
		mf.f.Close()
		mf.f = nil
		mf.r = nil
	}
}

func (mf *File) open() error {
	if mf.f != nil {
		return nil
	}
	f, err := os.Open(mf.fpath)
	if err != nil {
		return fmt.Errorf("open elf file %s: %w", mf.fpath, err)
	}
	mf.f = f
	mf.r = bufra.NewBufReaderAt(f, readBufferSize)
	return nil
}

type SectionData struct {
	Data   []byte
	Header *elf.SectionHeader
}
