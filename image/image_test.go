package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticImage(path string, base uintptr) *Image {
	return NewImage(path, ELF, base,
		[]Section{
			{Name: ".text", Start: base + 0x1000, Size: 0x1000},
			{Name: ".rodata", Start: base + 0x2000, Size: 0x100},
			{Name: ".data", Start: base + 0x3000, Size: 0x100},
		},
		[]Symbol{
			{Name: "second", Address: base + 0x1100, Section: ".text", External: true},
			{Name: "first", Address: base + 0x1000, Section: ".text"},
			{Name: "table", Address: base + 0x2000, Section: ".rodata"},
			{Name: "counter", Address: base + 0x3010, Section: ".data", External: true},
		})
}

func TestImageLookup(t *testing.T) {
	img := syntheticImage("/opt/app/bin", 0x10000)

	s, err := img.Lookup("second")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x11100), s.Address)
	assert.Equal(t, ".text", s.Section)
	assert.Equal(t, "/opt/app/bin", s.Image)

	_, err = img.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageNearest(t *testing.T) {
	img := syntheticImage("/opt/app/bin", 0x10000)

	tests := []struct {
		addr uintptr
		name string
		ok   bool
	}{
		{0x11000, "first", true},
		{0x110ff, "first", true},
		{0x11100, "second", true},
		{0x11fff, "second", true},
		{0x12050, "table", true},
		{0x13000, "table", true}, // start of .data, before counter
		{0x13020, "counter", true},
		{0x10fff, "", false}, // outside of any section
		{0x20000, "", false},
	}
	for _, tt := range tests {
		s, ok := img.Nearest(tt.addr)
		assert.Equal(t, tt.ok, ok, "%#x", tt.addr)
		assert.Equal(t, tt.name, s.Name, "%#x", tt.addr)
	}
}

func TestImageSections(t *testing.T) {
	img := syntheticImage("/opt/app/bin", 0)

	text, ok := img.TextSection()
	require.True(t, ok)
	assert.Equal(t, uintptr(0x1000), text.Start)
	assert.True(t, text.Contains(0x1fff))
	assert.False(t, text.Contains(0x2000))

	data, ok := img.DataSection()
	require.True(t, ok)
	assert.Equal(t, uint64(0x100), data.Size)

	_, ok = img.ConstSection()
	assert.True(t, ok)
	_, ok = img.MetadataSection(TypeDescriptors)
	assert.False(t, ok)
	_, ok = img.MetadataSection(Text)
	assert.False(t, ok)

	names := []string{}
	for _, s := range img.Symbols(".text", ".data") {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"first", "second", "counter"}, names)
	assert.Len(t, img.Symbols(), 4)

	_, err := img.SectionData(text)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestSectionNames(t *testing.T) {
	assert.Equal(t, "__TEXT,__swift5_protos", SectionName(MachO, ProtocolDescriptors))
	assert.Equal(t, "swift5_protocol_conformances", SectionName(ELF, ConformanceRecords))
	assert.Equal(t, "__DATA,__data", SectionName(MachO, Data))
	assert.Equal(t, "", SectionName(ELF, Role(42)))
}

func TestCatalog(t *testing.T) {
	app := syntheticImage("/opt/app/bin", 0x10000)
	lib := syntheticImage("/opt/app/libfoo.so", 0x7f0000)

	c, err := New(Options{CacheSize: 2}, app, lib)
	require.NoError(t, err)

	s, err := c.Lookup("counter")
	require.NoError(t, err)
	assert.Equal(t, "/opt/app/bin", s.Image, "first image wins")

	_, err = c.Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	s, off, err := c.Symbolicate(0x7f1104)
	require.NoError(t, err)
	assert.Equal(t, "second", s.Name)
	assert.Equal(t, "/opt/app/libfoo.so", s.Image)
	assert.Equal(t, uintptr(4), off)

	// served from the cache the second time
	s, off, err = c.Symbolicate(0x7f1104)
	require.NoError(t, err)
	assert.Equal(t, "second", s.Name)
	assert.Equal(t, uintptr(4), off)

	_, _, err = c.Symbolicate(0x5)
	assert.ErrorIs(t, err, ErrNotFound)

	img, ok := c.Find("libfoo.so")
	require.True(t, ok)
	assert.Same(t, lib, img)
	_, ok = c.Find("libbar.so")
	assert.False(t, ok)

	sec, ok := c.SectionAt(0x7f20ff)
	require.True(t, ok)
	assert.Equal(t, ".rodata", sec.Name)
	assert.Equal(t, uintptr(0x7f2100), sec.End())
	_, ok = c.SectionAt(0x5)
	assert.False(t, ok)

	assert.Len(t, c.Symbols(".rodata"), 2)
	assert.Len(t, c.Symbols(), 8)
	assert.NoError(t, c.Reload(), "static catalog reload is a no-op")
	assert.Len(t, c.Images(), 2)
}

func TestOptionsExcluded(t *testing.T) {
	o := Options{Exclude: []string{"/usr/lib/", "/opt/vendor/"}}
	assert.True(t, o.excluded("/usr/lib/libc.so.6"))
	assert.True(t, o.excluded("/opt/vendor/x.so"))
	assert.False(t, o.excluded("/opt/app/bin"))

	assert.False(t, Options{Exclude: []string{}}.excluded("/usr/lib/libc.so.6"))
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, ELF, formatOf([4]byte{0x7f, 'E', 'L', 'F'}))
	assert.Equal(t, MachO, formatOf([4]byte{0xcf, 0xfa, 0xed, 0xfe}))
	assert.Equal(t, MachO, formatOf([4]byte{0xca, 0xfe, 0xba, 0xbe}))
	assert.Equal(t, Format(0), formatOf([4]byte{'#', '!', '/', 'b'}))
}
