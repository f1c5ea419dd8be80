// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/antgroup/oms/modules/plumbing"
	"github.com/antgroup/oms/modules/schema"
)

// decision is the merged outcome for one resource key. A nil entry means the
// resource is absent from the merged tree; content carries a newly produced
// blob when resolution synthesized one.
type decision struct {
	entry   *schema.TreeEntry
	content []byte
}

type analyzer struct {
	eng *Engine
	res *Result
}

func (a *analyzer) load(ctx context.Context, e *schema.TreeEntry) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return a.eng.odb.Content(ctx, e.Hash)
}

// analyzeResource runs the three-way decision table for one (kind, id). The
// inputs are the tree entries from ancestor, source and target; any may be
// nil.
func (a *analyzer) analyzeResource(ctx context.Context, kind schema.ResourceKind, id string, base, src, tgt *schema.TreeEntry) (*decision, error) {
	switch {
	case src == nil && tgt == nil:
		// deleted on both sides, or never existed
		return &decision{}, nil
	case src != nil && tgt != nil && src.Hash == tgt.Hash:
		return &decision{entry: tgt}, nil
	case entriesEqual(src, base):
		// source untouched it; target's side stands
		return &decision{entry: tgt}, nil
	case entriesEqual(tgt, base):
		return a.takeSource(ctx, kind, id, base, src, tgt)
	case src == nil:
		// source deleted, target modified
		a.res.grade(&Conflict{
			Type: DeleteModify, Severity: SeverityError,
			ResourceKind: kind, ResourceID: id,
			Source: "deleted", Target: "modified",
			Resolution: "keep the target version or re-delete after merge",
		})
		return &decision{entry: tgt}, nil
	case tgt == nil:
		a.res.grade(&Conflict{
			Type: DeleteModify, Severity: SeverityError,
			ResourceKind: kind, ResourceID: id,
			Source: "modified", Target: "deleted",
			Resolution: "restore the source version or drop the source change",
		})
		return &decision{}, nil
	case base == nil:
		// added independently on both sides with the same id
		a.res.grade(&Conflict{
			Type: NameCollision, Severity: SeverityError,
			ResourceKind: kind, ResourceID: id,
			Source: src.Hash.String(), Target: tgt.Hash.String(),
			Resolution: "rename one of the additions",
		})
		return &decision{entry: tgt}, nil
	default:
		return a.mergeModified(ctx, kind, id, base, src, tgt)
	}
}

// takeSource applies a change only the source made, grading structurally
// significant migrations (cardinality widening, type changes) even though no
// textual conflict exists: target data still has to migrate.
func (a *analyzer) takeSource(ctx context.Context, kind schema.ResourceKind, id string, base, src, tgt *schema.TreeEntry) (*decision, error) {
	if src == nil {
		return &decision{}, nil
	}
	if base == nil {
		return &decision{entry: src}, nil
	}
	return a.mergeModified(ctx, kind, id, base, src, tgt)
}

func entriesEqual(a, b *schema.TreeEntry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Hash == b.Hash
}

// mergeModified resolves a resource changed on at least one side with all
// three versions present.
func (a *analyzer) mergeModified(ctx context.Context, kind schema.ResourceKind, id string, base, src, tgt *schema.TreeEntry) (*decision, error) {
	baseRaw, err := a.load(ctx, base)
	if err != nil {
		return nil, err
	}
	srcRaw, err := a.load(ctx, src)
	if err != nil {
		return nil, err
	}
	tgtRaw, err := a.load(ctx, tgt)
	if err != nil {
		return nil, err
	}

	var merged []byte
	switch kind {
	case schema.LinkTypeKind:
		merged, err = a.mergeLinkType(id, baseRaw, srcRaw, tgtRaw)
	case schema.ObjectTypeKind:
		merged, err = a.mergeObjectType(id, baseRaw, srcRaw, tgtRaw)
	case schema.StructTypeKind:
		merged, err = a.mergeStructType(id, baseRaw, srcRaw, tgtRaw)
	case schema.PropertyKind:
		merged, err = a.mergeProperty(id, baseRaw, srcRaw, tgtRaw)
	default:
		merged = a.mergeOpaque(kind, id, baseRaw, srcRaw, tgtRaw)
	}
	if err != nil {
		a.res.grade(&Conflict{
			Type: ConstraintConflict, Severity: SeverityError,
			ResourceKind: kind, ResourceID: id,
			Resolution: fmt.Sprintf("content not analyzable: %v", err),
		})
		return &decision{entry: tgt}, nil
	}
	return a.finish(kind, id, merged, tgt), nil
}

// finish wraps merged content into a decision, reusing the target entry when
// nothing new was produced.
func (a *analyzer) finish(kind schema.ResourceKind, id string, merged []byte, tgt *schema.TreeEntry) *decision {
	if merged == nil {
		return &decision{entry: tgt}
	}
	h := plumbing.HashBytes(merged)
	if tgt != nil && h == tgt.Hash {
		return &decision{entry: tgt}
	}
	return &decision{
		entry:   &schema.TreeEntry{Kind: kind, ID: id, Hash: h},
		content: merged,
	}
}

// mergeOpaque handles kinds without field-level rules: concurrent divergence
// is an ERROR; otherwise the source change stands.
func (a *analyzer) mergeOpaque(kind schema.ResourceKind, id string, baseRaw, srcRaw, tgtRaw []byte) []byte {
	if bytes.Equal(tgtRaw, baseRaw) {
		return srcRaw
	}
	a.res.grade(&Conflict{
		Type: ConstraintConflict, Severity: SeverityError,
		ResourceKind: kind, ResourceID: id,
		Resolution: "resolve the concurrent edits manually",
	})
	return tgtRaw
}

func (a *analyzer) mergeLinkType(id string, baseRaw, srcRaw, tgtRaw []byte) ([]byte, error) {
	base, err := schema.DecodeLinkType(baseRaw)
	if err != nil {
		return nil, err
	}
	src, err := schema.DecodeLinkType(srcRaw)
	if err != nil {
		return nil, err
	}
	tgt, err := schema.DecodeLinkType(tgtRaw)
	if err != nil {
		return nil, err
	}

	merged := *tgt
	if src.DisplayName != base.DisplayName && tgt.DisplayName == base.DisplayName {
		merged.DisplayName = src.DisplayName
	}

	if src.From != tgt.From || src.To != tgt.To {
		switch {
		case src.From == base.From && src.To == base.To:
			// target moved the endpoints; nothing from source
		case tgt.From == base.From && tgt.To == base.To:
			merged.From, merged.To = src.From, src.To
		default:
			a.res.grade(&Conflict{
				Type: ConstraintConflict, Severity: SeverityError,
				ResourceKind: schema.LinkTypeKind, ResourceID: id,
				FieldPath: "from/to",
				Source:    fmt.Sprintf("%s->%s", src.From, src.To),
				Target:    fmt.Sprintf("%s->%s", tgt.From, tgt.To),
				Resolution: "link endpoints moved on both sides; pick one manually",
			})
		}
	}

	if src.Cardinality != tgt.Cardinality {
		a.mergeCardinality(id, base.Cardinality, src.Cardinality, tgt.Cardinality, &merged)
	}

	if src.Required != tgt.Required {
		// a bool can only diverge when exactly one side flipped it
		flipped := src.Required
		if tgt.Required != base.Required {
			flipped = tgt.Required
		}
		if flipped {
			a.res.grade(&Conflict{
				Type: ConstraintConflict, Severity: SeverityWarn,
				ResourceKind: schema.LinkTypeKind, ResourceID: id,
				FieldPath:     "required",
				Resolution:    "link becomes required",
				MigrationHint: fmt.Sprintf("backfill links for existing '%s' instances before enforcing", base.From),
			})
		} else {
			a.res.grade(&Conflict{
				Type: ConstraintConflict, Severity: SeverityInfo,
				ResourceKind: schema.LinkTypeKind, ResourceID: id,
				FieldPath:  "required",
				Resolution: "link becomes optional",
			})
		}
		merged.Required = flipped
	}
	return json.Marshal(&merged)
}

// mergeCardinality grades the divergence and writes the resolved value into
// merged. Widening resolves to the wider side; narrowing requires manual
// intervention.
func (a *analyzer) mergeCardinality(id string, base, src, tgt schema.Cardinality, merged *schema.LinkType) {
	proposed := src
	grade := gradeCardinality(tgt, src)
	if src != base && tgt != base {
		// both moved; propose the wider and grade from the narrower
		proposed = widerCardinality(src, tgt)
		narrower := src
		if proposed == src {
			narrower = tgt
		}
		grade = gradeCardinality(narrower, proposed)
	} else if src == base {
		// only the target moved; its value stands without migration
		return
	}
	c := &Conflict{
		Type: CardinalityChange, Severity: grade,
		ResourceKind: schema.LinkTypeKind, ResourceID: id,
		FieldPath: "cardinality",
		Ancestor:  string(base), Source: string(src), Target: string(tgt),
	}
	switch grade {
	case SeverityInfo:
		c.Resolution = fmt.Sprintf("widen to %s", proposed)
		merged.Cardinality = proposed
	case SeverityWarn:
		c.Resolution = fmt.Sprintf("widen to %s", proposed)
		c.MigrationHint = "introduce a junction table and migrate existing link rows"
		merged.Cardinality = proposed
	default:
		c.Resolution = "narrowing loses data; migrate instance data manually first"
	}
	a.res.grade(c)
}

func (a *analyzer) mergeObjectType(id string, baseRaw, srcRaw, tgtRaw []byte) ([]byte, error) {
	base, err := schema.DecodeObjectType(baseRaw)
	if err != nil {
		return nil, err
	}
	src, err := schema.DecodeObjectType(srcRaw)
	if err != nil {
		return nil, err
	}
	tgt, err := schema.DecodeObjectType(tgtRaw)
	if err != nil {
		return nil, err
	}

	merged := *tgt
	if src.DisplayName != base.DisplayName && tgt.DisplayName == base.DisplayName {
		merged.DisplayName = src.DisplayName
	}
	if src.Description != base.Description && tgt.Description == base.Description {
		merged.Description = src.Description
	}
	merged.Properties = a.mergeProperties(schema.ObjectTypeKind, id, base.Properties, src.Properties, tgt.Properties)
	merged.Implements = a.mergeImplements(id, base.Implements, src.Implements, tgt.Implements)
	return json.Marshal(&merged)
}

func (a *analyzer) mergeStructType(id string, baseRaw, srcRaw, tgtRaw []byte) ([]byte, error) {
	var base, src, tgt schema.StructType
	if err := json.Unmarshal(baseRaw, &base); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(srcRaw, &src); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tgtRaw, &tgt); err != nil {
		return nil, err
	}
	merged := tgt
	merged.Fields = a.mergeProperties(schema.StructTypeKind, id, base.Fields, src.Fields, tgt.Fields)
	return json.Marshal(&merged)
}

func (a *analyzer) mergeProperty(id string, baseRaw, srcRaw, tgtRaw []byte) ([]byte, error) {
	var base, src, tgt schema.Property
	if err := json.Unmarshal(baseRaw, &base); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(srcRaw, &src); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tgtRaw, &tgt); err != nil {
		return nil, err
	}
	merged := tgt
	if p := a.mergeOneProperty(schema.PropertyKind, id, id, &base, &src, &tgt); p != nil {
		merged = *p
	}
	return json.Marshal(&merged)
}

// mergeProperties runs the field-level three-way over a property list keyed
// by name. Output order is name-sorted for determinism.
func (a *analyzer) mergeProperties(kind schema.ResourceKind, id string, baseProps, srcProps, tgtProps []schema.Property) []schema.Property {
	baseIdx := schema.PropertyIndex(baseProps)
	srcIdx := schema.PropertyIndex(srcProps)
	tgtIdx := schema.PropertyIndex(tgtProps)

	names := make(map[string]bool)
	for n := range baseIdx {
		names[n] = true
	}
	for n := range srcIdx {
		names[n] = true
	}
	for n := range tgtIdx {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]schema.Property, 0, len(sorted))
	for _, name := range sorted {
		b, hasBase := baseIdx[name]
		s, hasSrc := srcIdx[name]
		t, hasTgt := tgtIdx[name]
		switch {
		case !hasSrc && !hasTgt:
			// removed everywhere
		case hasSrc && !hasBase && !hasTgt:
			// source addition
			if s.Required {
				a.res.grade(&Conflict{
					Type: ConstraintConflict, Severity: SeverityWarn,
					ResourceKind: kind, ResourceID: id, FieldPath: name,
					Resolution:    "add required property",
					MigrationHint: fmt.Sprintf("backfill '%s' for existing instances before enforcing", name),
				})
			} else {
				a.res.grade(&Conflict{
					Type: ConstraintConflict, Severity: SeverityInfo,
					ResourceKind: kind, ResourceID: id, FieldPath: name,
					Resolution: "add optional property",
				})
			}
			out = append(out, s)
		case hasTgt && !hasBase && !hasSrc:
			out = append(out, t)
		case !hasSrc && hasTgt:
			// source removed it
			if t != b {
				a.res.grade(&Conflict{
					Type: DeleteModify, Severity: SeverityError,
					ResourceKind: kind, ResourceID: id, FieldPath: name,
					Source: "deleted", Target: "modified",
					Resolution: "keep the modified property or re-delete after merge",
				})
				out = append(out, t)
			} else if b.Required {
				a.res.grade(&Conflict{
					Type: ConstraintConflict, Severity: SeverityError,
					ResourceKind: kind, ResourceID: id, FieldPath: name,
					Resolution: "removal of a required property loses data; relax it first",
				})
				out = append(out, t)
			}
			// optional unmodified property removed: removal stands
		case hasSrc && !hasTgt:
			if s != b {
				a.res.grade(&Conflict{
					Type: DeleteModify, Severity: SeverityError,
					ResourceKind: kind, ResourceID: id, FieldPath: name,
					Source: "modified", Target: "deleted",
					Resolution: "restore the property or drop the source change",
				})
			}
			// target's removal stands
		default:
			var pb *schema.Property
			if hasBase {
				pb = &b
			}
			if p := a.mergeOneProperty(kind, id, name, pb, &s, &t); p != nil {
				out = append(out, *p)
			} else {
				out = append(out, t)
			}
		}
	}
	return out
}

// mergeOneProperty resolves a single property present on both sides. Returns
// nil when the target value should stand unchanged.
func (a *analyzer) mergeOneProperty(kind schema.ResourceKind, id, name string, base, src, tgt *schema.Property) *schema.Property {
	if *src == *tgt {
		return tgt
	}
	merged := *tgt
	if base == nil {
		base = &schema.Property{Name: name}
	}

	if src.Type != tgt.Type {
		a.mergePropertyType(kind, id, name, base.Type, src.Type, tgt.Type, &merged)
	}
	if src.Required != tgt.Required {
		flipped := src.Required
		if tgt.Required != base.Required {
			flipped = tgt.Required
		}
		if flipped {
			a.res.grade(&Conflict{
				Type: ConstraintConflict, Severity: SeverityWarn,
				ResourceKind: kind, ResourceID: id, FieldPath: name + ".required",
				Resolution:    "property becomes required",
				MigrationHint: fmt.Sprintf("backfill '%s' for existing instances before enforcing", name),
			})
		} else {
			a.res.grade(&Conflict{
				Type: ConstraintConflict, Severity: SeverityInfo,
				ResourceKind: kind, ResourceID: id, FieldPath: name + ".required",
				Resolution: "property becomes optional",
			})
		}
		merged.Required = flipped
	}
	if src.Semantic != tgt.Semantic && tgt.Semantic == base.Semantic {
		merged.Semantic = src.Semantic
	}
	return &merged
}

func (a *analyzer) mergePropertyType(kind schema.ResourceKind, id, name string, base, src, tgt schema.PropertyType, merged *schema.Property) {
	c := &Conflict{
		Type:         PropertyTypeChange,
		ResourceKind: kind, ResourceID: id, FieldPath: name + ".type",
		Ancestor: string(base), Source: string(src), Target: string(tgt),
	}
	switch {
	case tgt == base:
		// source changed the type
		c.Severity = gradeTypeChange(tgt, src)
		switch c.Severity {
		case SeverityInfo:
			c.Resolution = fmt.Sprintf("widen to %s", src)
			merged.Type = src
		case SeverityWarn:
			c.Resolution = fmt.Sprintf("keep %s", tgt)
			c.MigrationHint = fmt.Sprintf("convert '%s' values from %s to %s in a migration", name, tgt, src)
		default:
			c.Resolution = "incompatible type change; migrate instance data manually"
		}
	case src == base:
		// target changed; nothing to migrate from the source side
		return
	default:
		// both changed to different types; union when one is a widening
		switch {
		case widerType(src, tgt) == tgt:
			c.Severity = SeverityInfo
			c.Resolution = fmt.Sprintf("widen to %s", tgt)
		case widerType(tgt, src) == src:
			c.Severity = SeverityInfo
			c.Resolution = fmt.Sprintf("widen to %s", src)
			merged.Type = src
		default:
			c.Severity = SeverityError
			c.Resolution = "ambiguous concurrent type change; pick one manually"
		}
	}
	a.res.grade(c)
}

// mergeImplements three-way merges the interface list. A name added on one
// side and removed on the other is an ERROR; any other divergence unions.
func (a *analyzer) mergeImplements(id string, base, src, tgt []string) []string {
	baseSet := toSet(base)
	srcSet := toSet(src)
	tgtSet := toSet(tgt)

	names := make(map[string]bool)
	for n := range baseSet {
		names[n] = true
	}
	for n := range srcSet {
		names[n] = true
	}
	for n := range tgtSet {
		names[n] = true
	}

	out := make([]string, 0, len(names))
	diverged := false
	for n := range names {
		inSrc, inTgt, inBase := srcSet[n], tgtSet[n], baseSet[n]
		switch {
		case inSrc && inTgt:
			out = append(out, n)
		case !inSrc && !inTgt:
			// agreed absent
		case inBase:
			// one side removed an inherited interface; removal stands
			diverged = diverged || (inSrc != inTgt)
		default:
			// one side added it
			out = append(out, n)
			diverged = true
		}
	}
	sort.Strings(out)
	if diverged && !equalStrings(out, tgt) {
		a.res.grade(&Conflict{
			Type: InterfaceMismatch, Severity: SeverityInfo,
			ResourceKind: schema.ObjectTypeKind, ResourceID: id,
			FieldPath:  "implements",
			Resolution: "union of both interface lists",
		})
	}
	return out
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	bs := append([]string(nil), b...)
	sort.Strings(bs)
	for i := range a {
		if a[i] != bs[i] {
			return false
		}
	}
	return true
}
