package output

import (
	"io"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/astrocap/camera"
)

// HeaderCards returns the FITS cards describing f and m
func HeaderCards(f camera.Frame, m Metadata) []fitsio.Card {
	cards := []fitsio.Card{}
	str := func(name, value, comment string) {
		if value != "" {
			cards = append(cards, fitsio.Card{Name: name, Value: value, Comment: comment})
		}
	}
	if !f.Timestamp.IsZero() {
		str("DATE-OBS", f.Timestamp.UTC().Format("2006-01-02T15:04:05.000"), "UTC start of exposure")
	}
	if f.Exposure > 0 {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: f.Exposure.Seconds(), Comment: "exposure time, seconds"})
	}
	instr := m.Camera
	if instr == "" {
		instr = m.Instrument
	}
	str("INSTRUME", instr, "camera")
	str("OBSERVER", m.Observer, "")
	str("OBJECT", m.Object, "")
	str("TELESCOP", m.Telescope, "")
	str("FILTER", m.Filter, "")
	str("SWCREATE", m.Software, "")
	if m.Site != nil {
		cards = append(cards,
			fitsio.Card{Name: "SITELAT", Value: m.Site.Lat, Comment: "degrees, from GPS"},
			fitsio.Card{Name: "SITELONG", Value: m.Site.Long, Comment: "degrees, from GPS"})
	}
	if m.Temperature != nil {
		cards = append(cards, fitsio.Card{Name: "CCD-TEMP", Value: *m.Temperature, Comment: "sensor temperature, C"})
	}
	if m.Binning > 0 {
		cards = append(cards,
			fitsio.Card{Name: "XBINNING", Value: m.Binning},
			fitsio.Card{Name: "YBINNING", Value: m.Binning})
	}
	return append(cards, m.Cards...)
}

// encodeFITS streams a single frame fits file to w.  16 bit data is stored
// as signed with BZERO 32768.
func encodeFITS(w io.Writer, f camera.Frame, m Metadata) error {
	metadata := HeaderCards(f, m)
	bitpix := 8
	if f.Format == camera.Grey16LE {
		bitpix = 16
		metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(bitpix, []int{f.Width, f.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	n := f.Width * f.Height
	if bitpix == 16 {
		ints := make([]int16, n)
		for idx, u := range f.Uint16() {
			ints[idx] = int16(u - 32768)
		}
		err = im.Write(ints)
	} else {
		if len(f.Data) < n {
			return ErrFrameGeometry
		}
		err = im.Write(f.Data[:n])
	}
	if err != nil {
		return err
	}
	return fits.Write(im)
}
