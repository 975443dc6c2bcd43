package scenert

import (
	"github.com/gekko3d/scenert/rt/asset"
	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/gekko3d/scenert/rt/transfer"
)

const DefaultFramesInFlight = 2

// Config gathers the settings of every manager the renderer owns. Zero
// values select the package defaults.
type Config struct {
	Logger             core.Logger
	StagingSize        uint64
	AssetBudget        uint64
	JobWorkers         int
	FramesInFlight     int
	Shaders            pipelines.ShaderSource
	TextureDescriptors uint32
	SamplerDescriptors uint32
}

type Option func(*Config)

func WithLogger(log core.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithStagingSize sets the size of the transfer staging ring.
func WithStagingSize(size uint64) Option {
	return func(c *Config) { c.StagingSize = size }
}

// WithAssetBudget sets the GPU memory assets may occupy before unused ones
// are evicted.
func WithAssetBudget(bytes uint64) Option {
	return func(c *Config) { c.AssetBudget = bytes }
}

// WithJobWorkers sets the job system size; 0 starts one worker per CPU.
func WithJobWorkers(n int) Option {
	return func(c *Config) { c.JobWorkers = n }
}

func WithFramesInFlight(n int) Option {
	return func(c *Config) { c.FramesInFlight = n }
}

func WithShaderSource(src pipelines.ShaderSource) Option {
	return func(c *Config) { c.Shaders = src }
}

// WithDescriptorCapacity sizes the bindless texture and sampler arrays.
func WithDescriptorCapacity(textures, samplers uint32) Option {
	return func(c *Config) {
		c.TextureDescriptors = textures
		c.SamplerDescriptors = samplers
	}
}

func newConfig(opts []Option) Config {
	var c Config
	for _, o := range opts {
		o(&c)
	}
	if c.FramesInFlight <= 0 {
		c.FramesInFlight = DefaultFramesInFlight
	}
	c.Logger = core.OrNop(c.Logger)
	return c
}

func (c Config) transferConfig() transfer.Config {
	return transfer.Config{StagingSize: c.StagingSize, Logger: c.Logger}
}

func (c Config) assetConfig() asset.Config {
	return asset.Config{
		Budget:             c.AssetBudget,
		TextureDescriptors: c.TextureDescriptors,
		SamplerDescriptors: c.SamplerDescriptors,
		FeedbackFrames:     c.FramesInFlight,
		Logger:             c.Logger,
	}
}
