package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Minimal ONNX message set, encoded directly on the protobuf wire format.
// Field numbers follow onnx/onnx.proto (IR version 7).

// TensorProto data types
const (
	TensorProto_DataType_FLOAT  int32 = 1
	TensorProto_DataType_INT64  int32 = 7
	TensorProto_DataType_DOUBLE int32 = 11
)

// AttributeProto types
const (
	AttributeProto_FLOAT  int32 = 1
	AttributeProto_INT    int32 = 2
	AttributeProto_STRING int32 = 3
	AttributeProto_TENSOR int32 = 4
	AttributeProto_FLOATS int32 = 6
	AttributeProto_INTS   int32 = 7
)

type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	DocString string
	Domain    string
}

type AttributeProto struct {
	Name   string
	Type   int32
	F      float32
	I      int64
	S      []byte
	T      *TensorProto
	Floats []float32
	Ints   []int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Int64Data []int64
	Name      string
	RawData   []byte
}

type ValueInfoProto struct {
	Name     string
	ElemType int32
	Dims     []int64 // -1 marks a symbolic dimension
	DimNames []string
}

// Floats returns the tensor contents as float32, whichever encoding was used
func (t *TensorProto) Floats() ([]float32, error) {
	switch t.DataType {
	case TensorProto_DataType_FLOAT:
		if len(t.FloatData) > 0 {
			return t.FloatData, nil
		}
		if len(t.RawData)%4 != 0 {
			return nil, errors.Errorf("tensor %s: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
		}
		out := make([]float32, len(t.RawData)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
		}
		return out, nil
	case TensorProto_DataType_DOUBLE:
		if len(t.RawData)%8 != 0 {
			return nil, errors.Errorf("tensor %s: raw data length %d is not a multiple of 8", t.Name, len(t.RawData))
		}
		out := make([]float32, len(t.RawData)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.RawData[i*8:])))
		}
		return out, nil
	default:
		return nil, errors.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
	}
}

// Marshal encodes the model in protobuf wire format
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, op.Domain)
		ob = appendVarintField(ob, 2, uint64(op.Version))
		b = appendMessageField(b, 8, ob)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessageField(b, 1, n.marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.marshal())
	}
	b = appendStringField(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessageField(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessageField(b, 12, v.marshal())
	}
	for _, v := range g.ValueInfo {
		b = appendMessageField(b, 13, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessageField(b, 5, a.marshal())
	}
	b = appendStringField(b, 6, n.DocString)
	b = appendStringField(b, 7, n.Domain)
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProto_INT:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeProto_STRING:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProto_TENSOR:
		if a.T != nil {
			b = appendMessageField(b, 5, a.T.marshal())
		}
	case AttributeProto_FLOATS:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeProto_INTS:
		b = appendPackedInts(b, 8, a.Ints)
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	b = appendPackedInts(b, 1, t.Dims)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendPackedInts(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	// TensorShapeProto
	var shape []byte
	for i, d := range v.Dims {
		var dim []byte
		if d >= 0 {
			dim = appendVarintField(dim, 1, uint64(d))
			if d == 0 {
				dim = protowire.AppendTag(dim, 1, protowire.VarintType)
				dim = protowire.AppendVarint(dim, 0)
			}
		} else {
			name := "N"
			if i < len(v.DimNames) && v.DimNames[i] != "" {
				name = v.DimNames[i]
			}
			dim = appendStringField(dim, 2, name)
		}
		shape = appendMessageField(shape, 1, dim)
	}
	// TypeProto.Tensor
	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, uint64(v.ElemType))
	tensorType = appendMessageField(tensorType, 2, shape)
	// TypeProto
	var typ []byte
	typ = appendMessageField(typ, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendMessageField(b, 2, typ)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInts(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessageField(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessageField(b, num, packed)
}

// UnmarshalModel decodes an ONNX model from protobuf wire format.
// Fields this package does not model are skipped.
func UnmarshalModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			m.IrVersion = int64(v.varint)
		case 2:
			m.ProducerName = string(v.bytes)
		case 3:
			m.ProducerVersion = string(v.bytes)
		case 4:
			m.Domain = string(v.bytes)
		case 5:
			m.ModelVersion = int64(v.varint)
		case 6:
			m.DocString = string(v.bytes)
		case 7:
			g, err := unmarshalGraph(v.bytes)
			if err != nil {
				return errors.Wrap(err, "graph")
			}
			m.Graph = g
		case 8:
			op := &OperatorSetIdProto{}
			err := walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
				switch num {
				case 1:
					op.Domain = string(v.bytes)
				case 2:
					op.Version = int64(v.varint)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "opset_import")
			}
			m.OpsetImport = append(m.OpsetImport, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			n, err := unmarshalNode(v.bytes)
			if err != nil {
				return errors.Wrap(err, "node")
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(v.bytes)
		case 5:
			t, err := unmarshalTensor(v.bytes)
			if err != nil {
				return errors.Wrap(err, "initializer")
			}
			g.Initializer = append(g.Initializer, t)
		case 10:
			g.DocString = string(v.bytes)
		case 11, 12, 13:
			vi, err := unmarshalValueInfo(v.bytes)
			if err != nil {
				return errors.Wrap(err, "value_info")
			}
			switch num {
			case 11:
				g.Input = append(g.Input, vi)
			case 12:
				g.Output = append(g.Output, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			n.Input = append(n.Input, string(v.bytes))
		case 2:
			n.Output = append(n.Output, string(v.bytes))
		case 3:
			n.Name = string(v.bytes)
		case 4:
			n.OpType = string(v.bytes)
		case 5:
			a, err := unmarshalAttribute(v.bytes)
			if err != nil {
				return err
			}
			n.Attribute = append(n.Attribute, a)
		case 6:
			n.DocString = string(v.bytes)
		case 7:
			n.Domain = string(v.bytes)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			a.Name = string(v.bytes)
		case 2:
			a.F = math.Float32frombits(uint32(v.varint))
		case 3:
			a.I = int64(v.varint)
		case 4:
			a.S = append([]byte(nil), v.bytes...)
		case 5:
			t, err := unmarshalTensor(v.bytes)
			if err != nil {
				return err
			}
			a.T = t
		case 7:
			fs, err := decodeFloats(typ, v)
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, fs...)
		case 8:
			is, err := decodeInts(typ, v)
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, is...)
		case 20:
			a.Type = int32(v.varint)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			is, err := decodeInts(typ, v)
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, is...)
		case 2:
			t.DataType = int32(v.varint)
		case 4:
			fs, err := decodeFloats(typ, v)
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, fs...)
		case 7:
			is, err := decodeInts(typ, v)
			if err != nil {
				return err
			}
			t.Int64Data = append(t.Int64Data, is...)
		case 8:
			t.Name = string(v.bytes)
		case 9:
			t.RawData = append([]byte(nil), v.bytes...)
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	vi := &ValueInfoProto{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			vi.Name = string(v.bytes)
		case 2: // TypeProto
			return walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
				if num != 1 { // tensor_type
					return nil
				}
				return walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
					switch num {
					case 1:
						vi.ElemType = int32(v.varint)
					case 2: // TensorShapeProto
						return walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
							if num != 1 {
								return nil
							}
							dim, name := int64(-1), ""
							err := walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
								switch num {
								case 1:
									dim = int64(v.varint)
								case 2:
									name = string(v.bytes)
								}
								return nil
							})
							vi.Dims = append(vi.Dims, dim)
							vi.DimNames = append(vi.DimNames, name)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}

type fieldValue struct {
	varint uint64 // varint, fixed32 and fixed64 payloads
	bytes  []byte // length-delimited payloads
}

func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v.varint = uint64(x)
		case protowire.Fixed64Type:
			v.varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeInts(typ protowire.Type, v fieldValue) ([]int64, error) {
	if typ == protowire.VarintType {
		return []int64{int64(v.varint)}, nil
	}
	var out []int64
	b := v.bytes
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(x))
		b = b[n:]
	}
	return out, nil
}

func decodeFloats(typ protowire.Type, v fieldValue) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(uint32(v.varint))}, nil
	}
	if len(v.bytes)%4 != 0 {
		return nil, errors.New("packed float field length is not a multiple of 4")
	}
	out := make([]float32, len(v.bytes)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(v.bytes[i*4:]))
	}
	return out, nil
}
