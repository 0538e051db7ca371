package embedding

import (
	"sync"
)

// ValidationResult is the structured validation response spec §4.6 requires.
type ValidationResult struct {
	IsValid     bool
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// allowedDimensions lists the model x dimension combinations the factory
// accepts for well-known remote models, grounded in the teacher's
// OpenAIDefaultDimension constant generalized into a small compatibility
// table (the teacher validated nothing here; this is the spec's addition).
var allowedDimensions = map[string][]int{
	RemoteDefaultModel:       {512, 1536},
	"text-embedding-3-large": {256, 1024, 3072},
	LocalModelVersion:        {EmbeddingDim},
}

// CollectionConfig is a collection's embedding configuration (spec §3).
type CollectionConfig struct {
	ProviderKind  string // registry version key, e.g. "local-minilm" or "remote-http"
	ModelName     string
	Dimensions    int
	BatchSize     int
	TimeoutMS     int
	AutoGenerate  bool
	HasCredential bool
}

// Validate implements spec §4.6's validation matrix.
func (c CollectionConfig) Validate() ValidationResult {
	var r ValidationResult
	r.IsValid = true

	if _, ok := DefaultRegistry.models[c.ProviderKind]; !ok {
		r.IsValid = false
		r.Errors = append(r.Errors, "unrecognized provider kind: "+c.ProviderKind)
	}
	if c.Dimensions <= 0 {
		r.IsValid = false
		r.Errors = append(r.Errors, "dimensions must be positive")
	}
	if c.ProviderKind == RemoteModelVersion && !c.HasCredential {
		r.IsValid = false
		r.Errors = append(r.Errors, "remote-http provider requires a credential")
	}
	if allowed, ok := allowedDimensions[c.ModelName]; ok {
		supported := false
		for _, d := range allowed {
			if d == c.Dimensions {
				supported = true
				break
			}
		}
		if !supported {
			r.IsValid = false
			r.Errors = append(r.Errors, "dimensions not supported for model "+c.ModelName)
			r.Suggestions = append(r.Suggestions, "use one of the supported dimensions for this model")
		}
	} else {
		r.Warnings = append(r.Warnings, "unknown model/dimension compatibility, proceeding unchecked")
	}
	return r
}

// Factory caches provider instances per collection, keyed by collection id,
// and disposes them when a collection's config changes in a way that
// invalidates the cache (spec §4.6). Grounded in model.go's ModelRegistry,
// generalized from "one process-wide model" to "one instance per collection".
type Factory struct {
	mu        sync.Mutex
	instances map[string]EmbeddingModel
	configs   map[string]CollectionConfig
}

func NewFactory() *Factory {
	return &Factory{
		instances: make(map[string]EmbeddingModel),
		configs:   make(map[string]CollectionConfig),
	}
}

// Get returns the cached provider for collection, creating it on first use
// or after a config change invalidates the prior instance.
func (f *Factory) Get(collection string, cfg CollectionConfig) (EmbeddingModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prior, ok := f.configs[collection]; ok && prior == cfg {
		return f.instances[collection], nil
	}

	if existing, ok := f.instances[collection]; ok {
		_ = existing.Close()
		delete(f.instances, collection)
	}

	model, err := DefaultRegistry.Get(cfg.ProviderKind)
	if err != nil {
		return nil, err
	}
	f.instances[collection] = model
	f.configs[collection] = cfg
	return model, nil
}

// Dispose releases and forgets the provider instance for collection.
func (f *Factory) Dispose(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.instances[collection]; ok {
		_ = m.Close()
		delete(f.instances, collection)
		delete(f.configs, collection)
	}
}
