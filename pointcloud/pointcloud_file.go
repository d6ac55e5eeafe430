package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

// NewFromFile returns a pointcloud read in from the given file.
func NewFromFile(fn string) (PointCloud, error) {
	switch filepath.Ext(fn) {
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		return ReadPCD(f)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// WriteToPCDFile writes the point cloud out to a binary PCD file.
func WriteToPCDFile(cloud PointCloud, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err = ToPCD(cloud, w, PCDBinary); err != nil {
		return err
	}
	return w.Flush()
}

func _colorToPCDInt(pt Data) int {
	if pt == nil || !pt.HasColor() {
		return 255 << 16
	}

	r, g, b := pt.RGB255()
	x := 0

	x |= (int(r) << 16)
	x |= (int(g) << 8)
	x |= (int(b) << 0)
	return x
}

func _pcdIntToColor(c int) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{r, g, b, 255}
}

type pcdField struct {
	name string
	typ  pcdValType
}

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

// pcdFieldsFor lists the fields written for a cloud: positions always, then color,
// normals and labels when any point carries them.
func pcdFieldsFor(meta MetaData) []pcdField {
	fields := []pcdField{{"x", pcdValFloat}, {"y", pcdValFloat}, {"z", pcdValFloat}}
	if meta.HasColor {
		fields = append(fields, pcdField{"rgb", pcdValInt})
	}
	if meta.HasNormal {
		fields = append(fields,
			pcdField{"normal_x", pcdValFloat}, pcdField{"normal_y", pcdValFloat}, pcdField{"normal_z", pcdValFloat})
	}
	if meta.HasValue {
		fields = append(fields, pcdField{"label", pcdValInt})
	}
	return fields
}

// ToPCD writes the cloud in PCD format. Positions are written in meters as 32-bit floats.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	if outputType == PCDCompressed {
		return errors.New("compressed PCD not yet implemented")
	}
	fields := pcdFieldsFor(cloud.MetaData())
	names := make([]string, len(fields))
	sizes := make([]string, len(fields))
	types := make([]string, len(fields))
	counts := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
		sizes[i] = "4"
		types[i] = string(f.typ)
		counts[i] = "1"
	}

	dataType := "ascii"
	if outputType == PCDBinary {
		dataType = "binary"
	}
	if _, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		strings.Join(names, " "),
		strings.Join(sizes, " "),
		strings.Join(types, " "),
		strings.Join(counts, " "),
		cloud.Size(),
		1,
		cloud.Size(),
		dataType,
	); err != nil {
		return err
	}
	return writePCDData(cloud, fields, out, outputType)
}

func pcdFieldValue(name string, pos r3.Vector, d Data) float64 {
	switch name {
	case "x":
		return pos.X
	case "y":
		return pos.Y
	case "z":
		return pos.Z
	case "rgb":
		return float64(_colorToPCDInt(d))
	case "normal_x":
		return d.Normal().X
	case "normal_y":
		return d.Normal().Y
	case "normal_z":
		return d.Normal().Z
	case "label":
		return float64(d.Value())
	default:
		return 0
	}
}

func writePCDData(cloud PointCloud, fields []pcdField, out io.Writer, pcdtype PCDType) error {
	var err error
	buf := make([]byte, 4*len(fields))
	tokens := make([]string, len(fields))
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		for i, f := range fields {
			v := pcdFieldValue(f.name, pos, d)
			switch pcdtype {
			case PCDBinary:
				var bits uint32
				if f.typ == pcdValFloat {
					bits = math.Float32bits(float32(v))
				} else {
					bits = uint32(int32(v))
				}
				binary.LittleEndian.PutUint32(buf[4*i:], bits)
			default:
				if f.typ == pcdValFloat {
					tokens[i] = strconv.FormatFloat(v, 'f', 6, 64)
				} else {
					tokens[i] = strconv.Itoa(int(v))
				}
			}
		}
		if pcdtype == PCDBinary {
			_, err = out.Write(buf)
		} else {
			_, err = fmt.Fprintln(out, strings.Join(tokens, " "))
		}
		return err == nil
	})
	return err
}

type pcdHeader struct {
	fields []pcdField
	size   []uint64
	count  []uint64
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	checkLen := func() error {
		if len(tokens) != len(header.fields) {
			return errors.Errorf("unexpected number of fields in %s line", name)
		}
		return nil
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = make([]pcdField, len(tokens))
		for i, token := range tokens {
			header.fields[i] = pcdField{name: token}
		}
	case "SIZE":
		if err := checkLen(); err != nil {
			return err
		}
		header.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Errorf("invalid SIZE field %s", token)
			}
			if header.size[i] != 4 {
				return errors.Errorf("unsupported field size %d for %s", header.size[i], header.fields[i].name)
			}
		}
	case "TYPE":
		if err := checkLen(); err != nil {
			return err
		}
		for i, token := range tokens {
			switch typ := pcdValType(token); typ {
			case pcdValFloat, pcdValInt, pcdValUInt:
				header.fields[i].typ = typ
			default:
				return errors.Errorf("unsupported TYPE field %s", token)
			}
		}
	case "COUNT":
		if err := checkLen(); err != nil {
			return err
		}
		header.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid COUNT field %s", token)
			}
			if header.count[i] != 1 {
				return errors.Errorf("unsupported COUNT %d for %s", header.count[i], header.fields[i].name)
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		header.points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

// ReadPCD reads an ascii or binary PCD stream. Points with non-finite positions, as
// produced by organized depth sensors, are dropped.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	for _, want := range []string{"x", "y", "z"} {
		if header.fieldIndex(want) < 0 {
			return nil, errors.Errorf("pcd is missing field %q", want)
		}
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	case PCDCompressed:
		return nil, errors.New("compressed pcd not yet supported")
	default:
		return nil, errors.Errorf("unsupported pcd data type %v", header.data)
	}
}

func (h pcdHeader) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f.name == name {
			return i
		}
	}
	return -1
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	values := make([]float64, len(header.fields))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != len(header.fields) {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		for j, token := range tokens {
			values[j], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid point %d field %s", i, token)
			}
			if f := header.fields[j]; f.name == "rgb" && f.typ == pcdValFloat {
				values[j] = float64(math.Float32bits(float32(values[j])))
			}
		}
		appendPCDPoint(pc, values, header)
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	buf := make([]byte, 4*len(header.fields))
	values := make([]float64, len(header.fields))
	for i := 0; i < int(header.points); i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		for j, f := range header.fields {
			bits := binary.LittleEndian.Uint32(buf[4*j:])
			switch f.typ {
			case pcdValFloat:
				if f.name == "rgb" {
					// packed color stored in float bits
					values[j] = float64(bits)
					continue
				}
				values[j] = float64(math.Float32frombits(bits))
			case pcdValInt:
				values[j] = float64(int32(bits))
			case pcdValUInt:
				values[j] = float64(bits)
			}
		}
		appendPCDPoint(pc, values, header)
	}
	return pc, nil
}

func appendPCDPoint(pc PointCloud, values []float64, header pcdHeader) {
	pos := r3.Vector{
		X: values[header.fieldIndex("x")],
		Y: values[header.fieldIndex("y")],
		Z: values[header.fieldIndex("z")],
	}
	if !isFiniteVector(pos) {
		return
	}
	d := NewBasicData()
	if i := header.fieldIndex("rgb"); i >= 0 {
		d = d.SetColor(_pcdIntToColor(int(values[i])))
	}
	nx, ny, nz := header.fieldIndex("normal_x"), header.fieldIndex("normal_y"), header.fieldIndex("normal_z")
	if nx >= 0 && ny >= 0 && nz >= 0 {
		n := r3.Vector{X: values[nx], Y: values[ny], Z: values[nz]}
		if isFiniteVector(n) {
			d = d.SetNormal(n)
		}
	}
	if i := header.fieldIndex("label"); i >= 0 {
		d = d.SetValue(int(values[i]))
	}
	//nolint:errcheck
	pc.Append(pos, d)
}
