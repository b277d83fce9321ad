/*
Copyright 2025 DSA-110 Continuum Imaging.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stage defines the stage contract of spec.md §4.4: an immutable
// Context threaded through a Workflow, and the Stage capability set every
// node of a workflow implements.
package stage

import (
	"encoding/json"

	"github.com/go-logr/logr"

	"github.com/dsa110/dsa110-contimg-sub012/internal/config"
	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// Context is immutable once constructed; a Stage derives a new Context via
// WithOutput rather than mutating its receiver (spec.md §4.4).
type Context struct {
	Config   *config.Config
	JobID    *int64
	Inputs   model.ValueMap
	Outputs  model.ValueMap
	Metadata model.ValueMap

	Logger logr.Logger
}

// NewContext builds the root Context a job runner hands to the
// orchestrator, from configuration and a group's initial inputs.
func NewContext(cfg *config.Config, logger logr.Logger, inputs model.ValueMap) Context {
	return Context{
		Config:   cfg,
		Inputs:   inputs.Clone(),
		Outputs:  model.ValueMap{},
		Metadata: model.ValueMap{},
		Logger:   logger,
	}
}

// WithJobID returns a derived Context carrying jobID.
func (c Context) WithJobID(jobID int64) Context {
	cp := c
	cp.JobID = &jobID
	return cp
}

// WithOutput returns a derived Context whose Outputs superset c's with
// key=value added, per spec.md §4.4 ("produces a derived context via a
// with_output(key, value) constructor"). c itself is never mutated.
func (c Context) WithOutput(key string, value model.Value) Context {
	cp := c
	cp.Outputs = c.Outputs.Clone()
	cp.Outputs[key] = value
	return cp
}

// WithOutputs merges a batch of produced outputs in one derived Context.
func (c Context) WithOutputs(outputs model.ValueMap) Context {
	cp := c
	cp.Outputs = c.Outputs.Clone()
	for k, v := range outputs {
		cp.Outputs[k] = v
	}
	return cp
}

// MergedInputsOutputs returns a single map superset of Inputs and Outputs,
// the view a downstream stage sees as its effective inputs.
func (c Context) MergedInputsOutputs() model.ValueMap {
	merged := c.Inputs.Clone()
	for k, v := range c.Outputs {
		merged[k] = v
	}
	return merged
}

// wireContext is the JSON projection of Context used by Marshal/Unmarshal,
// satisfying the round-trip law of spec.md §8 ("serialising a Context and
// re-loading it yields an equal context"). Config and Logger are excluded:
// they are not carried on the wire, and UnmarshalJSON leaves them for the
// caller to re-attach.
type wireContext struct {
	JobID    *int64          `json:"job_id,omitempty"`
	Inputs   model.ValueMap  `json:"inputs"`
	Outputs  model.ValueMap  `json:"outputs"`
	Metadata model.ValueMap  `json:"metadata"`
}

// MarshalJSON serialises the data-carrying portion of a Context.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireContext{JobID: c.JobID, Inputs: c.Inputs, Outputs: c.Outputs, Metadata: c.Metadata})
}

// UnmarshalJSON restores the data-carrying portion of a Context. Callers
// must re-attach Config and Logger afterward.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w wireContext
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.JobID = w.JobID
	c.Inputs = w.Inputs
	c.Outputs = w.Outputs
	c.Metadata = w.Metadata
	return nil
}

// Equal reports whether two contexts carry the same data, ignoring Config
// and Logger (spec.md §8 round-trip law).
func (c Context) Equal(o Context) bool {
	if (c.JobID == nil) != (o.JobID == nil) {
		return false
	}
	if c.JobID != nil && *c.JobID != *o.JobID {
		return false
	}
	return c.Inputs.Equal(o.Inputs) && c.Outputs.Equal(o.Outputs) && c.Metadata.Equal(o.Metadata)
}
