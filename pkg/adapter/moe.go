package adapter

import (
	"fmt"
	"math/rand"

	"medsegx/pkg/backbone"
	"medsegx/pkg/nn"
	"medsegx/pkg/tensor"
)

// Config holds the adapter hyperparameters shared by every adapted block.
type Config struct {
	ExpertNum     int
	BottleneckDim int
	EmbeddingDim  int
	Dropout       float32
	Scale         float32 // fixed residual scale; ignored when LearnedScale
	LearnedScale  bool
}

// Validate fails fast on hyperparameters that would only surface as shape
// errors at the first forward pass.
func (c Config) Validate() error {
	if c.ExpertNum <= 0 {
		return fmt.Errorf("expert num must be positive, got %d", c.ExpertNum)
	}
	if c.BottleneckDim <= 0 {
		return fmt.Errorf("bottleneck dim must be positive, got %d", c.BottleneckDim)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0,1), got %g", c.Dropout)
	}
	return nil
}

// embeddingNum is the number of conditioning slots fed to the expert gate:
// pooled organ, task, modality and the input summary.
const embeddingNum = 4

// MoEBlock replaces a transformer block's feed-forward sublayer output
// FFN(x) with FFN(x) + scale*mix(x, embeddings), where mix is the gated
// combination of independent bottleneck experts. The original sublayer
// stays inside the block, invocable and untouched.
type MoEBlock struct {
	mlp backbone.FFN
	cfg Config
	dim int

	inputEmbed *nn.Linear
	gate       *nn.Linear
	organGate  *nn.Linear
	down, up   []*nn.Linear
	dropouts   []*nn.Dropout
	scale      *nn.Param // only when cfg.LearnedScale

	bank *EmbeddingBank
	cond *Condition

	// forward caches for backward
	x        *tensor.Tensor
	downPre  []*tensor.Tensor // pre-GELU bottleneck activations per expert
	expertUp []*tensor.Tensor // per-expert residual candidates
	gateOut  *tensor.Tensor   // expert-selection softmax [B,E]
	organOut *tensor.Tensor   // organ-mixer softmax [B,4]
	residual *tensor.Tensor
}

// NewMoEBlock wraps mlp with a MoE adapter. Parameter names are rooted at
// prefix so the selective store can recognize them by the "adapter" marker.
func NewMoEBlock(prefix string, mlp backbone.FFN, dim int, cfg Config, bank *EmbeddingBank, rng *rand.Rand) (*MoEBlock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mlp == nil {
		return nil, fmt.Errorf("moe block %s: nil wrapped sublayer", prefix)
	}
	if bank == nil || bank.Dim != cfg.EmbeddingDim {
		return nil, fmt.Errorf("moe block %s: embedding bank dim mismatch", prefix)
	}

	m := &MoEBlock{mlp: mlp, cfg: cfg, dim: dim, bank: bank}

	var err error
	if m.inputEmbed, err = nn.NewLinear(prefix+".adapter_input_embed", dim, cfg.EmbeddingDim, rng); err != nil {
		return nil, err
	}
	if m.gate, err = nn.NewLinear(prefix+".adapter_gate", cfg.EmbeddingDim*embeddingNum, cfg.ExpertNum, rng); err != nil {
		return nil, err
	}
	if m.organGate, err = nn.NewLinear(prefix+".adapter_organ_gate", cfg.EmbeddingDim*4, 4, rng); err != nil {
		return nil, err
	}

	m.down = make([]*nn.Linear, cfg.ExpertNum)
	m.up = make([]*nn.Linear, cfg.ExpertNum)
	m.dropouts = make([]*nn.Dropout, cfg.ExpertNum)
	for e := 0; e < cfg.ExpertNum; e++ {
		if m.down[e], err = nn.NewLinear(fmt.Sprintf("%s.adapter_down.%d", prefix, e), dim, cfg.BottleneckDim, rng); err != nil {
			return nil, err
		}
		if m.up[e], err = nn.NewLinear(fmt.Sprintf("%s.adapter_up.%d", prefix, e), cfg.BottleneckDim, dim, rng); err != nil {
			return nil, err
		}
		// Up projections start at exact zero: a fresh adapter contributes a
		// zero residual regardless of the gate distribution.
		m.up[e].ZeroInit()
		m.dropouts[e] = nn.NewDropout(cfg.Dropout, rng)
	}

	if cfg.LearnedScale {
		m.scale = nn.NewParam(prefix+".adapter_scale", 1)
		m.scale.Data[0] = 1
	}
	return m, nil
}

// SetCondition installs the current batch's taxonomy embeddings. Must be
// called before Forward; the wrapper does this once per batch for every
// adapted block.
func (m *MoEBlock) SetCondition(cond *Condition) { m.cond = cond }

// SetTraining toggles dropout behavior.
func (m *MoEBlock) SetTraining(training bool) {
	for _, d := range m.dropouts {
		d.SetTraining(training)
	}
}

// GateActivation returns the expert-selection distribution [B,ExpertNum]
// from the last forward pass. Diagnostic side output; nil before the first
// forward.
func (m *MoEBlock) GateActivation() *tensor.Tensor { return m.gateOut }

func (m *MoEBlock) scaleValue() float32 {
	if m.scale != nil {
		return m.scale.Data[0]
	}
	return m.cfg.Scale
}

// Forward computes FFN(x) + scale*mix(x, embeddings) over a [B,H,W,C]
// feature map.
func (m *MoEBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	if m.cond == nil {
		panic("moe block forward without condition; call SetCondition first")
	}
	b, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	e := m.cfg.ExpertNum
	m.x = x

	// Independent bottleneck experts.
	m.downPre = make([]*tensor.Tensor, e)
	m.expertUp = make([]*tensor.Tensor, e)
	for i := 0; i < e; i++ {
		m.downPre[i] = m.down[i].Forward(x)
		z := m.dropouts[i].Forward(nn.GELU(m.downPre[i]))
		m.expertUp[i] = m.up[i].Forward(z)
	}

	// Organ-mixer gate over the four organ-level slots.
	organCat, err := tensor.Concat(m.cond.Organ[0], m.cond.Organ[1], m.cond.Organ[2], m.cond.Organ[3])
	if err != nil {
		panic(err)
	}
	m.organOut = nn.Softmax(m.organGate.Forward(organCat))
	pooled := m.poolOrgans(b)

	// Spatial summary of the block input.
	inputVec := m.inputEmbed.Forward(nn.MeanPoolHW(x))

	// Expert-selection gate.
	gateIn, err := tensor.Concat(pooled, m.cond.Organ[4], m.cond.Modal, inputVec)
	if err != nil {
		panic(err)
	}
	m.gateOut = nn.Softmax(m.gate.Forward(gateIn))

	// Weighted sum of expert outputs.
	m.residual = tensor.New(x.Shape...)
	per := h * w * x.Shape[3]
	for bi := 0; bi < b; bi++ {
		dst := m.residual.Data[bi*per : (bi+1)*per]
		for i := 0; i < e; i++ {
			gv := m.gateOut.Data[bi*e+i]
			src := m.expertUp[i].Data[bi*per : (bi+1)*per]
			for j, v := range src {
				dst[j] += gv * v
			}
		}
	}

	out := m.mlp.Forward(x)
	scale := m.scaleValue()
	for i, v := range m.residual.Data {
		out.Data[i] += v * scale
	}
	return out
}

// poolOrgans reduces the four organ slots to one vector per sample using
// the organ-mixer weights.
func (m *MoEBlock) poolOrgans(b int) *tensor.Tensor {
	d := m.cfg.EmbeddingDim
	pooled := tensor.New(b, d)
	for bi := 0; bi < b; bi++ {
		dst := pooled.Data[bi*d : (bi+1)*d]
		for s := 0; s < 4; s++ {
			wv := m.organOut.Data[bi*4+s]
			src := m.cond.Organ[s].Data[bi*d : (bi+1)*d]
			for j, v := range src {
				dst[j] += wv * v
			}
		}
	}
	return pooled
}

// Backward propagates grad through both the wrapped sublayer and the
// adapter path, accumulates adapter parameter gradients, and routes
// condition gradients into the embedding bank.
func (m *MoEBlock) Backward(grad *tensor.Tensor) *tensor.Tensor {
	b := m.x.Shape[0]
	h, w := m.x.Shape[1], m.x.Shape[2]
	e := m.cfg.ExpertNum
	d := m.cfg.EmbeddingDim
	per := h * w * m.x.Shape[3]
	scale := m.scaleValue()

	dx := m.mlp.Backward(grad)

	if m.scale != nil {
		sum := float32(0)
		for i, v := range grad.Data {
			sum += v * m.residual.Data[i]
		}
		m.scale.Grad[0] += sum
	}

	// Residual combination: split grad into per-expert and per-gate parts.
	dGate := tensor.New(b, e)
	for i := 0; i < e; i++ {
		dUp := tensor.New(m.x.Shape...)
		for bi := 0; bi < b; bi++ {
			gv := m.gateOut.Data[bi*e+i]
			gslice := grad.Data[bi*per : (bi+1)*per]
			uslice := m.expertUp[i].Data[bi*per : (bi+1)*per]
			dslice := dUp.Data[bi*per : (bi+1)*per]
			dot := float32(0)
			for j, gvj := range gslice {
				dslice[j] = scale * gvj * gv
				dot += gvj * uslice[j]
			}
			dGate.Data[bi*e+i] += scale * dot
		}
		dz := m.up[i].Backward(dUp)
		dz = m.dropouts[i].Backward(dz)
		dz = nn.GELUBackward(m.downPre[i], dz)
		dxe := m.down[i].Backward(dz)
		if err := dx.Add(dxe); err != nil {
			panic(err)
		}
	}

	// Expert-selection gate.
	dGateIn := m.gate.Backward(nn.SoftmaxBackward(m.gateOut, dGate))
	parts, err := tensor.SplitLast(dGateIn, d, d, d, d)
	if err != nil {
		panic(err)
	}
	dPooled, dTask, dModal, dInputVec := parts[0], parts[1], parts[2], parts[3]

	// Input summary path.
	dMean := m.inputEmbed.Backward(dInputVec)
	if err := dx.Add(nn.MeanPoolHWBackward(dMean, h, w)); err != nil {
		panic(err)
	}

	// Organ pooling: gradient flows to both the organ slots and the mixer
	// gate.
	var dOrgan [5]*tensor.Tensor
	for s := 0; s < 4; s++ {
		dOrgan[s] = tensor.New(b, d)
	}
	dOrgan[4] = dTask
	dOrganGate := tensor.New(b, 4)
	for bi := 0; bi < b; bi++ {
		dp := dPooled.Data[bi*d : (bi+1)*d]
		for s := 0; s < 4; s++ {
			wv := m.organOut.Data[bi*4+s]
			slot := m.cond.Organ[s].Data[bi*d : (bi+1)*d]
			dst := dOrgan[s].Data[bi*d : (bi+1)*d]
			dot := float32(0)
			for j, v := range dp {
				dst[j] += wv * v
				dot += v * slot[j]
			}
			dOrganGate.Data[bi*4+s] += dot
		}
	}
	dOrganCat := m.organGate.Backward(nn.SoftmaxBackward(m.organOut, dOrganGate))
	organParts, err := tensor.SplitLast(dOrganCat, d, d, d, d)
	if err != nil {
		panic(err)
	}
	for s := 0; s < 4; s++ {
		if err := dOrgan[s].Add(organParts[s]); err != nil {
			panic(err)
		}
	}

	m.bank.Accumulate(dModal, dOrgan)
	return dx
}

// Params returns the adapter parameters plus the wrapped sublayer's frozen
// ones, so the encoder's parameter walk stays complete after splicing.
func (m *MoEBlock) Params() []*nn.Param {
	params := m.mlp.Params()
	params = append(params, m.inputEmbed.Params()...)
	params = append(params, m.gate.Params()...)
	params = append(params, m.organGate.Params()...)
	for e := 0; e < m.cfg.ExpertNum; e++ {
		params = append(params, m.down[e].Params()...)
		params = append(params, m.up[e].Params()...)
	}
	if m.scale != nil {
		params = append(params, m.scale)
	}
	return params
}

// Inner returns the wrapped original sublayer.
func (m *MoEBlock) Inner() backbone.FFN { return m.mlp }
