package sii

import (
	"testing"
)

// FuzzRead fuzzes the SII decoder with arbitrary EEPROM images.
//
// This exercises the header, the category walk and the strings, general,
// FMMU, SyncManager and PDO category parsers. Words beyond the image read as
// erased EEPROM. The invariant is: Read must never panic and must return
// either an Info or an error.
func FuzzRead(f *testing.F) {
	// Seed: complete image of a CoE slave with PDOs
	f.Add([]byte(Encode(sampleInfo())))

	// Seed: header only, erased categories
	f.Add([]byte(Encode(&Info{Vendor: 2, Product: 0x04442C52})[:0x80]))

	// Seed: category whose size overruns the EEPROM
	img := make([]byte, 0x88)
	img[0x80], img[0x81] = byte(CategoryStrings), 0x00
	img[0x82], img[0x83] = 0xFF, 0x7F
	f.Add(img)

	// Seed: strings category with a count beyond its data
	str := make([]byte, 0x88)
	str[0x80], str[0x81] = byte(CategoryStrings), 0x00
	str[0x82] = 0x01
	str[0x84] = 0x09
	str[0x85] = 0x20
	str[0x86] = 0xFF
	str[0x87] = 0xFF
	f.Add(str)

	// Seed: empty
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, input []byte) {
		info, err := Read(Image(input))
		if err == nil && info == nil {
			t.Fatal("Read returned nil info and nil err")
		}
	})
}
