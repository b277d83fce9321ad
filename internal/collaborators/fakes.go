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

package collaborators

import (
	"context"
	"fmt"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

// Fake is a deterministic, in-memory stand-in for all four collaborator
// interfaces, used by pipeline and stage tests in place of the real
// conversion/solver/applier/imager binaries.
type Fake struct {
	ConvertErr error
	SolveErr   error
	ApplyErr   error
	ImageErr   error

	ConvertCalls []ConvertParams
	SolveCalls   []SolveParams
	ApplyCalls   [][]model.CaltableRef
	ImageCalls   []ImageParams
}

var _ Converter = (*Fake)(nil)
var _ Solver = (*Fake)(nil)
var _ Applier = (*Fake)(nil)
var _ Imager = (*Fake)(nil)

func (f *Fake) Convert(_ context.Context, p ConvertParams) (string, error) {
	f.ConvertCalls = append(f.ConvertCalls, p)
	if f.ConvertErr != nil {
		return "", f.ConvertErr
	}
	return fmt.Sprintf("%s/converted.ms", p.OutputDir), nil
}

func (f *Fake) Solve(_ context.Context, p SolveParams) (model.CaltableRef, error) {
	f.SolveCalls = append(f.SolveCalls, p)
	if f.SolveErr != nil {
		return model.CaltableRef{}, f.SolveErr
	}
	return model.CaltableRef{
		CaltableID: fmt.Sprintf("fake-%s", p.Kind),
		Kind:       p.Kind,
		Path:       fmt.Sprintf("%s.%s.caltable", p.MSPath, p.Kind),
	}, nil
}

func (f *Fake) Apply(_ context.Context, msPath string, ordered []model.CaltableRef) (string, error) {
	f.ApplyCalls = append(f.ApplyCalls, ordered)
	if f.ApplyErr != nil {
		return "", f.ApplyErr
	}
	return msPath, nil
}

func (f *Fake) Image(_ context.Context, p ImageParams) (string, error) {
	f.ImageCalls = append(f.ImageCalls, p)
	if f.ImageErr != nil {
		return "", f.ImageErr
	}
	return fmt.Sprintf("%s.image", p.MSPath), nil
}
