// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
)

// ResourceKind enumerates the units of versioning governed by the store.
type ResourceKind string

const (
	ObjectTypeKind   ResourceKind = "object_type"
	LinkTypeKind     ResourceKind = "link_type"
	PropertyKind     ResourceKind = "property"
	StructTypeKind   ResourceKind = "struct_type"
	SemanticTypeKind ResourceKind = "semantic_type"
	ActionTypeKind   ResourceKind = "action_type"
)

var resourceKinds = map[ResourceKind]bool{
	ObjectTypeKind:   true,
	LinkTypeKind:     true,
	PropertyKind:     true,
	StructTypeKind:   true,
	SemanticTypeKind: true,
	ActionTypeKind:   true,
}

func ValidResourceKind(k ResourceKind) bool {
	return resourceKinds[k]
}

// ChangeType records how a version came to be.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	ChangeRevert ChangeType = "revert"
	ChangeMerge  ChangeType = "merge"
)

// Cardinality of a link type.
type Cardinality string

const (
	OneToOne   Cardinality = "ONE_TO_ONE"
	OneToMany  Cardinality = "ONE_TO_MANY"
	ManyToMany Cardinality = "MANY_TO_MANY"
)

// PropertyType names follow the platform base type vocabulary; the merge
// engine's compatibility matrix is keyed on these.
type PropertyType string

const (
	StringType  PropertyType = "string"
	TextType    PropertyType = "text"
	IntegerType PropertyType = "integer"
	LongType    PropertyType = "long"
	FloatType   PropertyType = "float"
	DoubleType  PropertyType = "double"
	BooleanType PropertyType = "boolean"
	DateType    PropertyType = "date"
	JSONType    PropertyType = "json"
)

// Property is a named, typed field of an object or struct type.
type Property struct {
	Name     string       `json:"name"`
	Type     PropertyType `json:"type"`
	Required bool         `json:"required,omitempty"`
	Semantic string       `json:"semantic,omitempty"`
}

// ObjectType describes an entity class in the ontology.
type ObjectType struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	Description string     `json:"description,omitempty"`
	Properties  []Property `json:"properties,omitempty"`
	Implements  []string   `json:"implements,omitempty"`
}

// LinkType relates two object types.
type LinkType struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name,omitempty"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Cardinality Cardinality `json:"cardinality"`
	Required    bool        `json:"required,omitempty"`
}

// StructType is a reusable composite value type.
type StructType struct {
	ID     string     `json:"id"`
	Fields []Property `json:"fields,omitempty"`
}

// SemanticType attaches meaning labels to base types.
type SemanticType struct {
	ID       string       `json:"id"`
	BaseType PropertyType `json:"base_type"`
	Labels   []string     `json:"labels,omitempty"`
}

// ActionType declares a typed mutation over the ontology instance data.
type ActionType struct {
	ID         string     `json:"id"`
	TargetType string     `json:"target_type"`
	Parameters []Property `json:"parameters,omitempty"`
}

// DecodeObjectType parses resource content bytes into an ObjectType.
func DecodeObjectType(content []byte) (*ObjectType, error) {
	var ot ObjectType
	if err := json.Unmarshal(content, &ot); err != nil {
		return nil, fmt.Errorf("decode object type: %w", err)
	}
	return &ot, nil
}

func DecodeLinkType(content []byte) (*LinkType, error) {
	var lt LinkType
	if err := json.Unmarshal(content, &lt); err != nil {
		return nil, fmt.Errorf("decode link type: %w", err)
	}
	return &lt, nil
}

// PropertyIndex keys properties by name for three-way comparison.
func PropertyIndex(props []Property) map[string]Property {
	m := make(map[string]Property, len(props))
	for _, p := range props {
		m[p.Name] = p
	}
	return m
}
