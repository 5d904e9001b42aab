package workflow

// Role names a template node the composer needs to find and rewire.
type Role string

const (
	RoleCheckpoint Role = "checkpoint"
	RoleLoRA       Role = "lora"
	RolePositive   Role = "positive"
	RoleNegative   Role = "negative"
	RoleSampler    Role = "sampler"
	RoleLatent     Role = "latent"
	RoleVAEDecode  Role = "vae_decode"
	RoleSave       Role = "save"
)

// Renderer node class names.
const (
	classCheckpointLoader = "CheckpointLoaderSimple"
	classLoraLoader       = "LoraLoader"
	classTextEncode       = "CLIPTextEncode"
	classKSampler         = "KSampler"
	classEmptyLatent      = "EmptyLatentImage"
	classVAEDecode        = "VAEDecode"
	classSaveImage        = "SaveImage"
)

// TemplateConfig carries the base-model defaults a template is built from.
type TemplateConfig struct {
	Checkpoint     string
	Width          int
	Height         int
	Steps          int
	CFG            float64
	SamplerName    string
	Scheduler      string
	FilenamePrefix string
}

func (c TemplateConfig) withDefaults() TemplateConfig {
	if c.Width == 0 {
		c.Width = 1024
	}
	if c.Height == 0 {
		c.Height = 1024
	}
	if c.Steps == 0 {
		c.Steps = 25
	}
	if c.CFG == 0 {
		c.CFG = 7.0
	}
	if c.SamplerName == "" {
		c.SamplerName = "euler"
	}
	if c.Scheduler == "" {
		c.Scheduler = "normal"
	}
	if c.FilenamePrefix == "" {
		c.FilenamePrefix = "ykgen"
	}
	return c
}

// Template is a reusable base-model workflow skeleton. Compose clones it per
// request, so one template serves a whole run.
type Template struct {
	graph *Graph
	roles map[Role]NodeRef
}

// NewTemplate wraps an arbitrary graph with its role map. Compose fails with
// a configuration error if a role it needs is missing from the graph.
func NewTemplate(g *Graph, roles map[Role]NodeRef) *Template {
	copied := make(map[Role]NodeRef, len(roles))
	for r, ref := range roles {
		copied[r] = ref
	}
	return &Template{graph: g, roles: copied}
}

// NewTextToImageTemplate builds the standard text-to-image skeleton: a
// checkpoint feeding a single adapter slot, both prompt encoders, a sampler,
// VAE decode and image save.
func NewTextToImageTemplate(cfg TemplateConfig) *Template {
	cfg = cfg.withDefaults()
	g := NewGraph()

	ckpt := g.Add(classCheckpointLoader, map[string]interface{}{
		"ckpt_name": cfg.Checkpoint,
	})
	lora := g.Add(classLoraLoader, map[string]interface{}{
		"lora_name":      "",
		"strength_model": 1.0,
		"strength_clip":  1.0,
		"model":          ckpt.Out(0),
		"clip":           ckpt.Out(1),
	})
	positive := g.Add(classTextEncode, map[string]interface{}{
		"text": "",
		"clip": lora.Out(1),
	})
	negative := g.Add(classTextEncode, map[string]interface{}{
		"text": "",
		"clip": lora.Out(1),
	})
	latent := g.Add(classEmptyLatent, map[string]interface{}{
		"width":      cfg.Width,
		"height":     cfg.Height,
		"batch_size": 1,
	})
	sampler := g.Add(classKSampler, map[string]interface{}{
		"seed":         0,
		"steps":        cfg.Steps,
		"cfg":          cfg.CFG,
		"sampler_name": cfg.SamplerName,
		"scheduler":    cfg.Scheduler,
		"denoise":      1,
		"model":        lora.Out(0),
		"positive":     positive.Out(0),
		"negative":     negative.Out(0),
		"latent_image": latent.Out(0),
	})
	decode := g.Add(classVAEDecode, map[string]interface{}{
		"samples": sampler.Out(0),
		"vae":     ckpt.Out(2),
	})
	save := g.Add(classSaveImage, map[string]interface{}{
		"images":          decode.Out(0),
		"filename_prefix": cfg.FilenamePrefix,
	})

	return NewTemplate(g, map[Role]NodeRef{
		RoleCheckpoint: ckpt,
		RoleLoRA:       lora,
		RolePositive:   positive,
		RoleNegative:   negative,
		RoleLatent:     latent,
		RoleSampler:    sampler,
		RoleVAEDecode:  decode,
		RoleSave:       save,
	})
}

// instantiate clones the skeleton for one request.
func (t *Template) instantiate() (*Graph, map[Role]NodeRef) {
	roles := make(map[Role]NodeRef, len(t.roles))
	for r, ref := range t.roles {
		roles[r] = ref
	}
	return t.graph.Clone(), roles
}
