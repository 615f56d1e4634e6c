package imageprobe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// Minimal EXIF reader: only the tags the catalog cares about. The TIFF
// structure is walked defensively; anything malformed returns an error
// and the caller treats the image as carrying no metadata.

const (
	tagOrientation         = 0x0112
	tagExifIFDPointer      = 0x8769
	tagDateTimeOriginal    = 0x9003
	tagOffsetTimeOriginal  = 0x9011
	tagSubSecTimeOriginal  = 0x9291
	exifDateTimeLayout     = "2006:01:02 15:04:05"
	exifDateTimeZoneLayout = "2006:01:02 15:04:05-07:00"
)

type exifData struct {
	Orientation int
	CaptureDate *time.Time
}

var errNoExif = errors.New("no exif data")

// parseJPEGExif scans JPEG segments for an APP1 EXIF payload and extracts
// orientation and capture date.
func parseJPEGExif(r io.Reader) (*exifData, error) {
	var soi [2]byte
	if _, err := io.ReadFull(r, soi[:]); err != nil {
		return nil, err
	}
	if soi[0] != 0xFF || soi[1] != 0xD8 {
		return nil, errNoExif
	}

	for {
		var marker [2]byte
		if _, err := io.ReadFull(r, marker[:]); err != nil {
			return nil, errNoExif
		}
		if marker[0] != 0xFF {
			return nil, errNoExif
		}
		// Standalone markers carry no length.
		if marker[1] == 0xD8 || (marker[1] >= 0xD0 && marker[1] <= 0xD7) {
			continue
		}
		// Entropy-coded data begins at SOS; EXIF must appear before it.
		if marker[1] == 0xDA {
			return nil, errNoExif
		}

		var lengthBytes [2]byte
		if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
			return nil, errNoExif
		}
		length := int(binary.BigEndian.Uint16(lengthBytes[:]))
		if length < 2 {
			return nil, errNoExif
		}
		payload := make([]byte, length-2)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errNoExif
		}

		if marker[1] == 0xE1 && len(payload) > 6 && string(payload[:6]) == "Exif\x00\x00" {
			return parseTIFF(payload[6:])
		}
	}
}

// parseTIFF walks IFD0 and the EXIF sub-IFD of a TIFF blob.
func parseTIFF(data []byte) (*exifData, error) {
	if len(data) < 8 {
		return nil, errNoExif
	}

	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errNoExif
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, errNoExif
	}

	result := &exifData{}

	ifd0 := order.Uint32(data[4:8])
	var exifIFD uint32
	err := walkIFD(data, order, ifd0, func(tag uint16, value exifValue) {
		switch tag {
		case tagOrientation:
			result.Orientation = value.Int()
		case tagExifIFDPointer:
			exifIFD = uint32(value.Int())
		}
	})
	if err != nil {
		return nil, err
	}

	var dateTime, offset, subSec string
	if exifIFD != 0 {
		err = walkIFD(data, order, exifIFD, func(tag uint16, value exifValue) {
			switch tag {
			case tagDateTimeOriginal:
				dateTime = value.ASCII()
			case tagOffsetTimeOriginal:
				offset = value.ASCII()
			case tagSubSecTimeOriginal:
				subSec = value.ASCII()
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if dateTime != "" {
		if t, err := parseCaptureDate(dateTime, offset, subSec); err == nil {
			result.CaptureDate = &t
		}
	}

	return result, nil
}

// parseCaptureDate composes the EXIF date-time fields into a time value.
// The capture date is timezone-aware when OffsetTimeOriginal is present;
// otherwise the local timezone is assumed.
func parseCaptureDate(dateTime, offset, subSec string) (time.Time, error) {
	if len(dateTime) > 19 {
		dateTime = dateTime[:19]
	}

	var t time.Time
	var err error
	if offset != "" && len(offset) >= 6 {
		t, err = time.Parse(exifDateTimeZoneLayout, dateTime+offset[:6])
	} else {
		t, err = time.ParseInLocation(exifDateTimeLayout, dateTime, time.Local)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid capture date %q: %w", dateTime, err)
	}

	if fields := strings.Fields(subSec); len(fields) > 0 {
		digits := fields[0]
		var fraction int
		if _, err := fmt.Sscanf(digits, "%d", &fraction); err == nil {
			seconds := float64(fraction) * math.Pow(10, -float64(len(digits)))
			t = t.Add(time.Duration(seconds * float64(time.Second)))
		}
	}

	return t, nil
}

// exifValue is one IFD entry's decoded payload.
type exifValue struct {
	typ   uint16
	count uint32
	raw   []byte
	order binary.ByteOrder
}

// Int returns the first component as an integer for SHORT and LONG types.
func (v exifValue) Int() int {
	switch v.typ {
	case 3: // SHORT
		if len(v.raw) >= 2 {
			return int(v.order.Uint16(v.raw[:2]))
		}
	case 4: // LONG
		if len(v.raw) >= 4 {
			return int(v.order.Uint32(v.raw[:4]))
		}
	}
	return 0
}

// ASCII returns the value as a trimmed string for ASCII type.
func (v exifValue) ASCII() string {
	if v.typ != 2 {
		return ""
	}
	return strings.TrimRight(string(v.raw), "\x00")
}

var typeSizes = map[uint16]uint32{
	1: 1, // BYTE
	2: 1, // ASCII
	3: 2, // SHORT
	4: 4, // LONG
	5: 8, // RATIONAL
	7: 1, // UNDEFINED
}

// walkIFD visits every entry of one IFD, resolving out-of-line values.
func walkIFD(data []byte, order binary.ByteOrder, offset uint32, visit func(tag uint16, value exifValue)) error {
	if int(offset)+2 > len(data) {
		return errNoExif
	}
	count := int(order.Uint16(data[offset : offset+2]))
	entryBase := offset + 2

	for i := 0; i < count; i++ {
		entry := entryBase + uint32(i)*12
		if int(entry)+12 > len(data) {
			return errNoExif
		}

		tag := order.Uint16(data[entry : entry+2])
		typ := order.Uint16(data[entry+2 : entry+4])
		num := order.Uint32(data[entry+4 : entry+8])

		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		total := size * num
		if total > 1<<20 {
			continue
		}

		var raw []byte
		if total <= 4 {
			raw = data[entry+8 : entry+8+total]
		} else {
			valueOffset := order.Uint32(data[entry+8 : entry+12])
			if int(valueOffset)+int(total) > len(data) {
				continue
			}
			raw = data[valueOffset : valueOffset+total]
		}

		visit(tag, exifValue{typ: typ, count: num, raw: raw, order: order})
	}
	return nil
}
