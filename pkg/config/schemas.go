package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Schema checks raw configuration documents against the CUE definition of
// the file format.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

var (
	defaultSchema     *Schema
	defaultSchemaErr  error
	defaultSchemaOnce sync.Once
)

// DefaultSchema returns the compiled built-in schema.
func DefaultSchema() (*Schema, error) {
	defaultSchemaOnce.Do(func() {
		defaultSchema, defaultSchemaErr = NewSchema(builtinConfigSchema)
	})
	return defaultSchema, defaultSchemaErr
}

// NewSchema compiles src, which must define #Config.
func NewSchema(src string) (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(src, cue.Filename("config.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	root := val.LookupPath(cue.ParsePath("#Config"))
	if !root.Exists() {
		return nil, fmt.Errorf("config schema does not define #Config")
	}
	return &Schema{ctx: ctx, root: root}, nil
}

// Validate unifies doc with #Config and reports every violation.
func (s *Schema) Validate(doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode config document: %w", err)
	}
	unified := s.root.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Violations: violations(err)}
	}
	return nil
}

// SchemaError lists the schema violations of a document.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "config schema violation: " + strings.Join(e.Violations, "; ")
}

func violations(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if path := strings.Join(e.Path(), "."); path != "" && !strings.HasPrefix(msg, path) {
			msg = path + ": " + msg
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Config: {
	database?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
		busy_timeout?:      #Duration
	}

	telemetry?: {
		service_name?:    string & !=""
		service_version?: string & !=""
		environment?:     string
		logging?: {
			level?:               "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:              "console" | "json"
			output?:              string
			enable_caller?:       bool
			enable_sampling?:     bool
			sampling_initial?:    int & >=0
			sampling_thereafter?: int & >=0
			time_format?:         string
		}
		tracing?: {
			enabled?:               bool
			exporter?:              "otlp" | "stdout" | "none"
			endpoint?:              string
			sampling_rate?:         number & >=0 & <=1
			max_export_batch_size?: int & >0
			export_timeout?:        #Duration
			headers?: {[string]: string}
			insecure?: bool
		}
		metrics?: {
			enabled?:           bool
			path?:              =~"^/"
			namespace?:         string
			histogram_buckets?: [...number & >0]
		}
	}

	monitor?: {
		interval?:               #Duration
		stuck_after?:            #Duration
		quiet_window?:           #Duration
		orphan_after?:           #Duration
		spiral_min_steps?:       int & >=1
		spiral_read_only_ratio?: number & >0 & <1
		read_only_tools?: [...string & !=""]
		log_tail?:             int & >=1 & <=1000
		correlation_window?:   #Duration
		min_correlation_size?: int & >=2
		signature_scripts?: [...string & !=""]
		detector_timeout?: #Duration
	}

	escalation?: {
		policy_paths?: [...string & !=""]
		watch?: bool
	}

	diagnostician?: {
		batch_size?:          int & >=1 & <=100
		claim_ttl?:           #Duration
		reasoner_timeout?:    #Duration
		log_tail?:            int & >=1
		lesson_limit?:        int & >=0
		follow_up_delay?:     #Duration
		fallback_confidence?: number & >=0 & <=0.5
		auto_submit?:         bool
		worker?:              string
	}

	queue?: {
		poll_interval?: #Duration
		lease_ttl?:     #Duration
		retry_delay?:   #Duration
	}

	reasoner?: {
		endpoint?: "" | =~"^https?://"
		model?:    string
		api_key?:  string
		timeout?:  #Duration
	}

	server?: {
		address?:          string & !=""
		read_timeout?:     #Duration
		write_timeout?:    #Duration
		idle_timeout?:     #Duration
		shutdown_timeout?: #Duration
	}
}
`
