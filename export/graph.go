package export

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/layers"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/onnx"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

const (
	InputName       = "input"
	OutputName      = "output"
	ProducerName    = "warninglights"
	ProducerVersion = "1.0.0"
)

// Metadata is recorded in the ONNX metadata properties and the JSON sidecar.
type Metadata struct {
	NumClasses int
	ClassNames []string
	ClassHash  string
	ImageSize  int
	Mean, Std  [3]float32
	RunID      string
	Backbone   string
}

func (md Metadata) props() []onnx.StringStringEntryProto {
	floats := func(v [3]float32) string {
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return strings.Join(parts, ",")
	}
	props := []onnx.StringStringEntryProto{
		{Key: "num_classes", Value: strconv.Itoa(md.NumClasses)},
		{Key: "image_size", Value: strconv.Itoa(md.ImageSize)},
		{Key: "mean", Value: floats(md.Mean)},
		{Key: "std", Value: floats(md.Std)},
		{Key: "backbone", Value: md.Backbone},
	}
	if md.ClassHash != "" {
		props = append(props, onnx.StringStringEntryProto{Key: "class_hash", Value: md.ClassHash})
	}
	if len(md.ClassNames) > 0 {
		names, _ := json.Marshal(md.ClassNames)
		props = append(props, onnx.StringStringEntryProto{Key: "class_names", Value: string(names)})
	}
	if md.RunID != "" {
		props = append(props, onnx.StringStringEntryProto{Key: "run_id", Value: md.RunID})
	}
	return props
}

// graphBuilder appends nodes in topological order. Every value is named after the layer that
// produces it.
type graphBuilder struct {
	fold  bool
	nodes []*onnx.NodeProto
	inits []*onnx.TensorProto
}

func (g *graphBuilder) param(p *layers.Parameter) string {
	g.inits = append(g.inits, onnx.NewTensorProto(p.Name, p.Value.Shape, p.Value.Data))
	return p.Name
}

func (g *graphBuilder) node(op, name string, inputs []string, attrs ...*onnx.AttributeProto) string {
	g.nodes = append(g.nodes, &onnx.NodeProto{
		Name:      name,
		OpType:    op,
		Input:     inputs,
		Output:    []string{name},
		Attribute: attrs,
	})
	return name
}

func (g *graphBuilder) batchNorm(bn *layers.BatchNormLayer, in string) string {
	return g.node("BatchNormalization", bn.Name, []string{
		in, g.param(bn.Weight), g.param(bn.Bias), g.param(bn.RunningMean), g.param(bn.RunningVar),
	}, onnx.FloatAttr("epsilon", bn.Eps))
}

// convBN emits conv followed by bn, folded into one Conv with bias when folding is on:
// W'[o] = W[o]·a[o] and b'[o] = shift[o] for the inference scale a and shift of bn.
func (g *graphBuilder) convBN(conv *layers.Conv2DLayer, bn *layers.BatchNormLayer, in string) string {
	attrs := []*onnx.AttributeProto{
		onnx.IntsAttr("kernel_shape", int64(conv.Kernel), int64(conv.Kernel)),
		onnx.IntsAttr("strides", int64(conv.Stride), int64(conv.Stride)),
		onnx.IntsAttr("pads", int64(conv.Pad), int64(conv.Pad), int64(conv.Pad), int64(conv.Pad)),
	}
	if !g.fold {
		inputs := []string{in, g.param(conv.Weight)}
		if conv.Bias != nil {
			inputs = append(inputs, g.param(conv.Bias))
		}
		return g.batchNorm(bn, g.node("Conv", conv.Name, inputs, attrs...))
	}

	scale, shift := bn.InferenceScaleShift()
	w := conv.Weight.Value
	perOut := w.Size() / conv.OutChannels
	weight := make([]float32, w.Size())
	bias := make([]float32, conv.OutChannels)
	for o := 0; o < conv.OutChannels; o++ {
		for i := o * perOut; i < (o+1)*perOut; i++ {
			weight[i] = float32(float64(w.Data[i]) * scale[o])
		}
		b := shift[o]
		if conv.Bias != nil {
			b += float64(conv.Bias.Value.Data[o]) * scale[o]
		}
		bias[o] = float32(b)
	}
	g.inits = append(g.inits,
		onnx.NewTensorProto(conv.Name+".weight", w.Shape, weight),
		onnx.NewTensorProto(conv.Name+".bias", []int{conv.OutChannels}, bias))
	return g.node("Conv", conv.Name, []string{in, conv.Name + ".weight", conv.Name + ".bias"}, attrs...)
}

func (g *graphBuilder) relu(r *layers.ReLULayer, in string) string {
	return g.node("Relu", r.Name, []string{in})
}

func (g *graphBuilder) bottleneck(b *layers.BottleneckBlock, in string) string {
	out := g.relu(b.Relu1, g.convBN(b.Conv1, b.BN1, in))
	out = g.relu(b.Relu2, g.convBN(b.Conv2, b.BN2, out))
	out = g.convBN(b.Conv3, b.BN3, out)
	shortcut := in
	if b.DownConv != nil {
		shortcut = g.convBN(b.DownConv, b.DownBN, in)
	}
	return g.relu(b.Relu3, g.node("Add", b.Name+".add", []string{out, shortcut}))
}

func (g *graphBuilder) dense(d *layers.DenseLayer, in string) string {
	return g.node("Gemm", d.Name, []string{in, g.param(d.Weight), g.param(d.Bias)},
		onnx.FloatAttr("alpha", 1), onnx.FloatAttr("beta", 1), onnx.IntAttr("transB", 1))
}

// Build converts m into an inference graph with input "input" [batch_size,3,S,S] and output
// "output" [batch_size,classes]. Dropout layers are identities at inference and are left out.
// Metadata without normalization constants records the ImageNet defaults.
func Build(m *model.Model, md Metadata, opts Options) (*onnx.ModelProto, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if md.Mean == ([3]float32{}) && md.Std == ([3]float32{}) {
		def := preprocessing.DefaultConfig()
		md.Mean, md.Std = def.Mean, def.Std
	}
	for i, s := range md.Std {
		if s <= 0 {
			return nil, errdefs.Configf("normalization_std", md.Std, "channel %d must be positive", i)
		}
	}
	g := &graphBuilder{fold: opts.FoldBatchNorm}
	bb, head := m.Backbone, m.Head

	x := g.relu(bb.Relu, g.convBN(bb.Conv1, bb.BN1, InputName))
	x = g.node("MaxPool", bb.MaxPool.Name, []string{x},
		onnx.IntsAttr("kernel_shape", int64(bb.MaxPool.Kernel), int64(bb.MaxPool.Kernel)),
		onnx.IntsAttr("strides", int64(bb.MaxPool.Stride), int64(bb.MaxPool.Stride)),
		onnx.IntsAttr("pads", int64(bb.MaxPool.Pad), int64(bb.MaxPool.Pad), int64(bb.MaxPool.Pad), int64(bb.MaxPool.Pad)))
	for _, blk := range bb.Blocks {
		x = g.bottleneck(blk, x)
	}
	x = g.node("GlobalAveragePool", bb.Pool.Name, []string{x})
	x = g.node("Flatten", "backbone.flatten", []string{x}, onnx.IntAttr("axis", 1))

	x = g.dense(head.FC1, x)
	x = g.relu(head.Relu, x)
	x = g.batchNorm(head.BN, x)
	g.dense(head.FC2, x)
	// The last node writes the graph output directly.
	g.nodes[len(g.nodes)-1].Output[0] = OutputName

	cfg := m.Config()
	md.NumClasses = cfg.NumClasses
	md.ImageSize = cfg.ImageSize
	md.Backbone = cfg.Backbone
	opset := int64(opts.OpsetVersion)
	return &onnx.ModelProto{
		IRVersion:       onnx.IRVersionFor(opset),
		OpsetImport:     []onnx.OperatorSetIdProto{{Version: opset}},
		ProducerName:    ProducerName,
		ProducerVersion: ProducerVersion,
		ModelVersion:    1,
		Graph: &onnx.GraphProto{
			Name:        "warning_light_classifier",
			Node:        g.nodes,
			Initializer: g.inits,
			Input:       []*onnx.ValueInfoProto{onnx.TensorValueInfo(InputName, -1, 3, cfg.ImageSize, cfg.ImageSize)},
			Output:      []*onnx.ValueInfoProto{onnx.TensorValueInfo(OutputName, -1, cfg.NumClasses)},
		},
		MetadataProps: md.props(),
	}, nil
}
