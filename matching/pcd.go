package matching

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	lzf "github.com/zhuyie/golzf"
)

// PCDFormat is the DATA encoding of a PCD file
type PCDFormat int

const (
	// PCDASCII stores one point per text line
	PCDASCII PCDFormat = iota
	// PCDBinary stores packed little-endian records
	PCDBinary
	// PCDBinaryCompressed stores LZF-compressed field-major arrays
	PCDBinaryCompressed
)

func (f PCDFormat) String() string {
	switch f {
	case PCDASCII:
		return "ascii"
	case PCDBinary:
		return "binary"
	case PCDBinaryCompressed:
		return "binary_compressed"
	default:
		return "unknown"
	}
}

// ParsePCDFormat maps a DATA keyword to a PCDFormat
func ParsePCDFormat(s string) (PCDFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ascii":
		return PCDASCII, nil
	case "binary":
		return PCDBinary, nil
	case "binary_compressed":
		return PCDBinaryCompressed, nil
	default:
		return 0, errors.Errorf("unsupported PCD data format %q", s)
	}
}

const (
	// MaxPCDPoints bounds the point count a PCD header may declare.
	MaxPCDPoints = 1 << 26
	// maxPCDStride bounds the byte length of one point record.
	maxPCDStride = 1 << 12
	// lzf never expands by more than this factor on decompression
	maxLZFRatio = 100
	// records read per chunk from binary PCD data
	pcdChunkPoints = 4096
)

type pcdField struct {
	name  string
	size  int
	typ   byte
	count int
}

type pcdHeader struct {
	fields []pcdField
	width  int
	height int
	points int
	data   PCDFormat
}

// stride is the byte length of one packed point record
func (h *pcdHeader) stride() int {
	n := 0
	for _, f := range h.fields {
		n += f.size * f.count
	}
	return n
}

// xyz returns the field indices of x, y and z
func (h *pcdHeader) xyz() ([3]int, error) {
	idx := [3]int{-1, -1, -1}
	for i, f := range h.fields {
		switch f.name {
		case "x":
			idx[0] = i
		case "y":
			idx[1] = i
		case "z":
			idx[2] = i
		}
	}
	if idx[0] < 0 || idx[1] < 0 || idx[2] < 0 {
		return idx, errors.New("PCD header has no x, y, z fields")
	}
	return idx, nil
}

// ReadPCD parses a PCD stream. Only the x, y and z fields are kept.
func ReadPCD(r io.Reader) (PointCloud, error) {
	br := bufio.NewReader(r)
	header, err := readPCDHeader(br)
	if err != nil {
		return nil, err
	}
	switch header.data {
	case PCDASCII:
		return readPCDASCII(br, header)
	case PCDBinary:
		return readPCDBinary(br, header)
	default:
		return readPCDCompressed(br, header)
	}
}

func readPCDHeader(br *bufio.Reader) (*pcdHeader, error) {
	h := &pcdHeader{height: 1}
	var sizes, counts []int
	var types []string
	var names []string
	points := -1

	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, errors.Wrap(err, "reading PCD header")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		tokens := strings.Fields(value)

		switch strings.ToUpper(key) {
		case "VERSION", "VIEWPOINT":
		case "FIELDS", "COLUMNS":
			names = tokens
		case "SIZE":
			if sizes, err = atoiAll(tokens); err != nil {
				return nil, errors.Wrap(err, "parsing PCD SIZE")
			}
		case "TYPE":
			types = tokens
		case "COUNT":
			if counts, err = atoiAll(tokens); err != nil {
				return nil, errors.Wrap(err, "parsing PCD COUNT")
			}
		case "WIDTH":
			if h.width, err = strconv.Atoi(value); err != nil {
				return nil, errors.Wrap(err, "parsing PCD WIDTH")
			}
		case "HEIGHT":
			if h.height, err = strconv.Atoi(value); err != nil {
				return nil, errors.Wrap(err, "parsing PCD HEIGHT")
			}
		case "POINTS":
			if points, err = strconv.Atoi(value); err != nil {
				return nil, errors.Wrap(err, "parsing PCD POINTS")
			}
		case "DATA":
			if h.data, err = ParsePCDFormat(value); err != nil {
				return nil, err
			}
			if h.width < 0 || h.height < 0 || h.width > MaxPCDPoints || h.height > MaxPCDPoints {
				return nil, errors.Errorf("PCD size %dx%d out of range", h.width, h.height)
			}
			if points == -1 {
				points = h.width * h.height
			}
			if points < 0 || points > MaxPCDPoints {
				return nil, errors.Errorf("PCD declares %d points, limit is %d", points, MaxPCDPoints)
			}
			h.points = points
			return h.assemble(names, sizes, types, counts)
		default:
			return nil, errors.Errorf("unexpected PCD header line %q", line)
		}
	}
}

func (h *pcdHeader) assemble(names []string, sizes []int, types []string, counts []int) (*pcdHeader, error) {
	if len(names) == 0 {
		return nil, errors.New("PCD header has no FIELDS")
	}
	if counts == nil {
		counts = make([]int, len(names))
		for i := range counts {
			counts[i] = 1
		}
	}
	if len(sizes) != len(names) || len(types) != len(names) || len(counts) != len(names) {
		return nil, errors.Errorf("PCD header field lists disagree: %d fields, %d sizes, %d types, %d counts",
			len(names), len(sizes), len(types), len(counts))
	}
	stride := 0
	for i, name := range names {
		f := pcdField{name: name, size: sizes[i], count: counts[i]}
		if f.count < 1 || f.count > maxPCDStride {
			return nil, errors.Errorf("PCD field %s has COUNT %d", name, f.count)
		}
		if len(types[i]) != 1 || !strings.Contains("FIU", types[i]) {
			return nil, errors.Errorf("PCD field %s has unknown TYPE %q", name, types[i])
		}
		f.typ = types[i][0]
		switch f.size {
		case 1, 2, 4, 8:
		default:
			return nil, errors.Errorf("PCD field %s has unsupported SIZE %d", name, f.size)
		}
		if f.typ == 'F' && f.size != 4 && f.size != 8 {
			return nil, errors.Errorf("PCD float field %s must have SIZE 4 or 8", name)
		}
		stride += f.size * f.count
		if stride > maxPCDStride {
			return nil, errors.Errorf("PCD point record exceeds %d bytes", maxPCDStride)
		}
		h.fields = append(h.fields, f)
	}
	if _, err := h.xyz(); err != nil {
		return nil, err
	}
	return h, nil
}

func readPCDASCII(br *bufio.Reader, h *pcdHeader) (PointCloud, error) {
	xyz, _ := h.xyz()
	// token offset of each field
	offsets := make([]int, len(h.fields))
	total := 0
	for i, f := range h.fields {
		offsets[i] = total
		total += f.count
	}

	cloud := PointCloud{}
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() && len(cloud) < h.points {
		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) < total {
			return nil, errors.Errorf("PCD point %d has %d values, want %d", len(cloud), len(tokens), total)
		}
		var v [3]float64
		for axis := 0; axis < 3; axis++ {
			f, err := strconv.ParseFloat(tokens[offsets[xyz[axis]]], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "PCD point %d", len(cloud))
			}
			v[axis] = f
		}
		cloud = append(cloud, r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading PCD ascii data")
	}
	if len(cloud) != h.points {
		return nil, errors.Errorf("PCD has %d points, header says %d", len(cloud), h.points)
	}
	return cloud, nil
}

func readPCDBinary(br *bufio.Reader, h *pcdHeader) (PointCloud, error) {
	xyz, _ := h.xyz()
	stride := h.stride()
	offsets := make([]int, len(h.fields))
	off := 0
	for i, f := range h.fields {
		offsets[i] = off
		off += f.size * f.count
	}

	// the cloud grows with the data actually received, not the declared count
	cloud := PointCloud{}
	buf := make([]byte, stride*min(h.points, pcdChunkPoints))
	for remaining := h.points; remaining > 0; {
		n := min(remaining, pcdChunkPoints)
		chunk := buf[:n*stride]
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, errors.Wrapf(err, "reading PCD binary data at point %d", len(cloud))
		}
		for i := 0; i < n; i++ {
			rec := chunk[i*stride : (i+1)*stride]
			var v [3]float64
			for axis := 0; axis < 3; axis++ {
				f := h.fields[xyz[axis]]
				v[axis] = decodePCDValue(rec[offsets[xyz[axis]]:], f)
			}
			cloud = append(cloud, r3.Vector{X: v[0], Y: v[1], Z: v[2]})
		}
		remaining -= n
	}
	return cloud, nil
}

func readPCDCompressed(br *bufio.Reader, h *pcdHeader) (PointCloud, error) {
	xyz, _ := h.xyz()
	var sizes [2]uint32
	if err := binary.Read(br, binary.LittleEndian, &sizes); err != nil {
		return nil, errors.Wrap(err, "reading PCD compressed sizes")
	}
	compressedSize, uncompressedSize := int(sizes[0]), int(sizes[1])
	if want := h.stride() * h.points; uncompressedSize != want {
		return nil, errors.Errorf("PCD uncompressed size %d, header implies %d", uncompressedSize, want)
	}

	if uncompressedSize > 0 && (compressedSize == 0 || uncompressedSize/maxLZFRatio > compressedSize) {
		return nil, errors.Errorf("PCD compressed size %d cannot hold %d bytes", compressedSize, uncompressedSize)
	}
	if compressedSize > uncompressedSize+uncompressedSize/16+64 {
		return nil, errors.Errorf("PCD compressed size %d exceeds data size %d", compressedSize, uncompressedSize)
	}

	compressed, err := io.ReadAll(io.LimitReader(br, int64(compressedSize)))
	if err != nil {
		return nil, errors.Wrap(err, "reading PCD compressed data")
	}
	if len(compressed) != compressedSize {
		return nil, errors.Wrap(io.ErrUnexpectedEOF, "reading PCD compressed data")
	}
	data := make([]byte, uncompressedSize)
	if uncompressedSize > 0 {
		n, err := lzf.Decompress(compressed, data)
		if err != nil {
			return nil, errors.Wrap(err, "decompressing PCD data")
		}
		if n != uncompressedSize {
			return nil, errors.Errorf("PCD decompressed %d bytes, want %d", n, uncompressedSize)
		}
	}

	// field-major: every field's values for all points are contiguous
	starts := make([]int, len(h.fields))
	off := 0
	for i, f := range h.fields {
		starts[i] = off
		off += f.size * f.count * h.points
	}

	cloud := make(PointCloud, h.points)
	for i := range cloud {
		var v [3]float64
		for axis := 0; axis < 3; axis++ {
			fi := xyz[axis]
			f := h.fields[fi]
			v[axis] = decodePCDValue(data[starts[fi]+i*f.size*f.count:], f)
		}
		cloud[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	}
	return cloud, nil
}

func decodePCDValue(b []byte, f pcdField) float64 {
	switch f.typ {
	case 'F':
		if f.size == 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case 'I':
		switch f.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	default:
		switch f.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	}
}

// WritePCD writes the cloud as x y z float32 fields in the given format
func WritePCD(w io.Writer, cloud PointCloud, format PCDFormat) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "VERSION .7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n", len(cloud), len(cloud), format); err != nil {
		return errors.Wrap(err, "writing PCD header")
	}

	var err error
	switch format {
	case PCDASCII:
		for _, p := range cloud {
			if _, err = fmt.Fprintf(bw, "%g %g %g\n", float32(p.X), float32(p.Y), float32(p.Z)); err != nil {
				break
			}
		}
	case PCDBinary:
		buf := make([]byte, 12)
		for _, p := range cloud {
			binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			if _, err = bw.Write(buf); err != nil {
				break
			}
		}
	case PCDBinaryCompressed:
		err = writePCDCompressed(bw, cloud)
	default:
		err = errors.Errorf("unsupported PCD format %d", format)
	}
	if err != nil {
		return errors.Wrap(err, "writing PCD data")
	}
	return errors.Wrap(bw.Flush(), "flushing PCD")
}

func writePCDCompressed(w io.Writer, cloud PointCloud) error {
	n := len(cloud)
	data := make([]byte, 12*n)
	for i, p := range cloud {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(data[4*(n+i):], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(data[4*(2*n+i):], math.Float32bits(float32(p.Z)))
	}

	var compressed []byte
	if len(data) > 0 {
		out := make([]byte, len(data)*2+64)
		size, err := lzf.Compress(data, out)
		if err != nil {
			return errors.Wrap(err, "compressing PCD data")
		}
		compressed = out[:size]
	}

	sizes := [2]uint32{uint32(len(compressed)), uint32(len(data))}
	if err := binary.Write(w, binary.LittleEndian, sizes); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

func atoiAll(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		v, err := strconv.Atoi(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
