package sim

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CloudFormatVersion is the version written in the header of saved clouds.
const CloudFormatVersion = 1

const (
	// versionMarker prefixes the header comment line of a versioned cloud file.
	versionMarker = "# pointsim-cloud v"

	// prefixFields is the fixed numeric prefix of every row:
	// x,y,z,minDistance,maxDistance,normalX,normalY,normalZ.
	prefixFields = 8

	// observationFields is the width of each trailing (frameId,kpX,kpY) triple.
	observationFields = 3

	// maxRowBytes bounds a single row; heavily observed landmarks produce long lines.
	maxRowBytes = 16 << 20
)

// LoadReport summarizes a cloud load. Dropped rows are listed in Errors.
type LoadReport struct {
	Rows     int
	Accepted int
	Dropped  int
	Errors   []*MalformedRecordError
}

// LoadCloud reads and parses a landmark file. Malformed rows are skipped and
// reported; only I/O failures and unsupported versions are returned as errors.
func LoadCloud(path string) (*Cloud, LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadReport{}, ioError("opening", path, err)
	}
	defer func() { _ = f.Close() }()

	cloud, report, err := ReadCloud(f)
	if err != nil {
		return nil, report, fmt.Errorf("reading %s: %w", path, err)
	}
	for _, rerr := range report.Errors {
		log.Printf("Warning: %s: skipping %v", path, rerr)
	}
	return cloud, report, nil
}

// ReadCloud parses landmark rows from r. A row longer than maxRowBytes is
// dropped like any other malformed row.
func ReadCloud(r io.Reader) (*Cloud, LoadReport, error) {
	return readCloud(r, maxRowBytes)
}

func readCloud(r io.Reader, limit int) (*Cloud, LoadReport, error) {
	var report LoadReport
	cloud := &Cloud{}

	rows := newRowReader(r, limit)
	line := 0
	for {
		raw, long, err := rows.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, report, fmt.Errorf("%w: reading line %d: %w", ErrIO, line+1, err)
		}
		line++
		if long {
			report.Rows++
			report.Dropped++
			report.Errors = append(report.Errors, &MalformedRecordError{Line: line, Reason: fmt.Sprintf("row exceeds %d bytes", limit)})
			continue
		}

		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if len(cloud.Landmarks) == 0 && report.Dropped == 0 {
				v, ok := parseVersionMarker(text)
				if ok {
					if v > CloudFormatVersion {
						return nil, report, fmt.Errorf("%w: v%d", ErrUnsupportedVersion, v)
					}
					cloud.Version = v
				}
			}
			continue
		}

		report.Rows++
		l, reason := parseRow(text)
		if reason != "" {
			report.Dropped++
			report.Errors = append(report.Errors, &MalformedRecordError{Line: line, Reason: reason})
			continue
		}
		l.ID = LandmarkID(len(cloud.Landmarks))
		cloud.Landmarks = append(cloud.Landmarks, l)
		report.Accepted++
	}
	return cloud, report, nil
}

// rowReader splits input into lines, discarding the content of any line
// longer than its limit.
type rowReader struct {
	br    *bufio.Reader
	limit int
}

func newRowReader(r io.Reader, limit int) *rowReader {
	return &rowReader{br: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

// next returns the next line including its terminator. long marks a line
// over the limit; its text is empty. io.EOF is returned once the input is
// exhausted.
func (rr *rowReader) next() (string, bool, error) {
	var buf []byte
	long, read := false, false
	for {
		chunk, err := rr.br.ReadSlice('\n')
		read = read || len(chunk) > 0
		if !long {
			if len(buf)+len(chunk) > rr.limit {
				long, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && read:
			return string(buf), long, nil
		case err != nil:
			return "", false, err
		}
		return string(buf), long, nil
	}
}

func parseVersionMarker(text string) (int, bool) {
	if !strings.HasPrefix(text, versionMarker) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(text[len(versionMarker):]))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// parseRow decodes one landmark row. A non-empty reason marks the row malformed.
func parseRow(text string) (Landmark, string) {
	fields := strings.Split(text, ",")
	if len(fields) < prefixFields {
		return Landmark{}, fmt.Sprintf("expected at least %d fields, got %d", prefixFields, len(fields))
	}
	if extra := (len(fields) - prefixFields) % observationFields; extra != 0 {
		return Landmark{}, fmt.Sprintf("incomplete observation triple (%d trailing fields)", extra)
	}

	var prefix [prefixFields]float64
	for i := 0; i < prefixFields; i++ {
		v, err := parseFloat(fields[i])
		if err != nil {
			return Landmark{}, fmt.Sprintf("field %d: %v", i+1, err)
		}
		prefix[i] = v
	}

	l := Landmark{
		MinDistance: prefix[3],
		MaxDistance: prefix[4],
	}
	l.Position.X, l.Position.Y, l.Position.Z = prefix[0], prefix[1], prefix[2]
	l.Normal.X, l.Normal.Y, l.Normal.Z = prefix[5], prefix[6], prefix[7]

	nObs := (len(fields) - prefixFields) / observationFields
	if nObs > 0 {
		l.Observations = make([]Observation, 0, nObs)
	}
	for i := prefixFields; i < len(fields); i += observationFields {
		frame, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 64)
		if err != nil {
			return Landmark{}, fmt.Sprintf("field %d: frame id %q is not an integer", i+1, strings.TrimSpace(fields[i]))
		}
		kx, err := parseFloat(fields[i+1])
		if err != nil {
			return Landmark{}, fmt.Sprintf("field %d: %v", i+2, err)
		}
		ky, err := parseFloat(fields[i+2])
		if err != nil {
			return Landmark{}, fmt.Sprintf("field %d: %v", i+3, err)
		}
		l.Observations = append(l.Observations, Observation{FrameID: frame, KeypointX: kx, KeypointY: ky})
	}
	return l, ""
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", s)
	}
	return v, nil
}

// SaveOption configures SaveCloud/WriteCloud.
type SaveOption func(*saveConfig)

type saveConfig struct {
	legacy bool
	frame  *Alignment
}

func newSaveConfig(opts []SaveOption) saveConfig {
	var cfg saveConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLegacyFormat omits the version header, producing files identical to
// those written by the SLAM tooling.
func WithLegacyFormat() SaveOption {
	return func(c *saveConfig) {
		c.legacy = true
	}
}

// WithFrame maps landmarks through a before they are written. Used with the
// inverse of the configured alignment so saved scans stay in the frame of the
// source map.
func WithFrame(a *Alignment) SaveOption {
	return func(c *saveConfig) {
		c.frame = a
	}
}

// SaveCloud writes the cloud to path, creating or truncating the file.
func SaveCloud(cloud *Cloud, path string, opts ...SaveOption) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ioError("creating directory for", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return ioError("creating", path, err)
	}
	if err := WriteCloud(f, cloud, opts...); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError("closing", path, err)
	}
	return nil
}

// WriteCloud writes landmarks in store order with observations in their
// recorded order. Floats use the shortest exact representation so a reload
// reproduces every value.
func WriteCloud(w io.Writer, cloud *Cloud, opts ...SaveOption) error {
	cfg := newSaveConfig(opts)
	if cfg.frame != nil {
		cloud = cfg.frame.Apply(cloud)
	}

	bw := bufio.NewWriter(w)
	if !cfg.legacy {
		if _, err := fmt.Fprintf(bw, "%s%d\n", versionMarker, CloudFormatVersion); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	buf := make([]byte, 0, 256)
	for i := range cloud.Landmarks {
		buf = appendRow(buf[:0], &cloud.Landmarks[i])
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

func appendRow(buf []byte, l *Landmark) []byte {
	for i, v := range []float64{
		l.Position.X, l.Position.Y, l.Position.Z,
		l.MinDistance, l.MaxDistance,
		l.Normal.X, l.Normal.Y, l.Normal.Z,
	} {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	for _, o := range l.Observations {
		buf = append(buf, ',')
		buf = strconv.AppendInt(buf, o.FrameID, 10)
		buf = append(buf, ',')
		buf = strconv.AppendFloat(buf, o.KeypointX, 'g', -1, 64)
		buf = append(buf, ',')
		buf = strconv.AppendFloat(buf, o.KeypointY, 'g', -1, 64)
	}
	return append(buf, '\n')
}
