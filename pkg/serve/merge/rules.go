// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package merge

import (
	"sync"

	"github.com/antgroup/oms/modules/schema"
)

// cardinalityRank orders cardinalities by width for union resolution.
var cardinalityRank = map[schema.Cardinality]int{
	schema.OneToOne:   0,
	schema.OneToMany:  1,
	schema.ManyToMany: 2,
}

// cardinalityMatrix grades a migration from one cardinality to another.
// Widening is safe; narrowing loses data.
var cardinalityMatrix = map[schema.Cardinality]map[schema.Cardinality]Severity{
	schema.OneToOne: {
		schema.OneToOne:   SeverityInfo,
		schema.OneToMany:  SeverityInfo,
		schema.ManyToMany: SeverityWarn,
	},
	schema.OneToMany: {
		schema.OneToOne:   SeverityError,
		schema.OneToMany:  SeverityInfo,
		schema.ManyToMany: SeverityWarn,
	},
	schema.ManyToMany: {
		schema.OneToOne:   SeverityError,
		schema.OneToMany:  SeverityError,
		schema.ManyToMany: SeverityInfo,
	},
}

func gradeCardinality(from, to schema.Cardinality) Severity {
	if row, ok := cardinalityMatrix[from]; ok {
		if s, ok := row[to]; ok {
			return s
		}
	}
	return SeverityError
}

func widerCardinality(a, b schema.Cardinality) schema.Cardinality {
	if cardinalityRank[a] >= cardinalityRank[b] {
		return a
	}
	return b
}

type typePair struct {
	from, to schema.PropertyType
}

// typeRules grades property type migrations. The table is extensible through
// RegisterTypeRule; unknown pairs default to ERROR.
var typeRules = struct {
	sync.RWMutex
	m map[typePair]Severity
}{m: map[typePair]Severity{
	{schema.StringType, schema.TextType}:    SeverityInfo,
	{schema.TextType, schema.StringType}:    SeverityInfo,
	{schema.IntegerType, schema.LongType}:   SeverityInfo,
	{schema.FloatType, schema.DoubleType}:   SeverityInfo,
	{schema.IntegerType, schema.DoubleType}: SeverityInfo,
	{schema.JSONType, schema.StringType}:    SeverityWarn,
	{schema.JSONType, schema.TextType}:      SeverityWarn,
	{schema.StringType, schema.IntegerType}: SeverityError,
	{schema.DoubleType, schema.IntegerType}: SeverityError,
	{schema.LongType, schema.IntegerType}:   SeverityError,
	{schema.DoubleType, schema.FloatType}:   SeverityError,
}}

// RegisterTypeRule extends the property-type compatibility table. Later
// registrations replace earlier ones for the same pair.
func RegisterTypeRule(from, to schema.PropertyType, severity Severity) {
	typeRules.Lock()
	typeRules.m[typePair{from, to}] = severity
	typeRules.Unlock()
}

func gradeTypeChange(from, to schema.PropertyType) Severity {
	if from == to {
		return SeverityNone
	}
	typeRules.RLock()
	s, ok := typeRules.m[typePair{from, to}]
	typeRules.RUnlock()
	if !ok {
		return SeverityError
	}
	return s
}

// widerType picks the union type of an INFO-graded divergence: whichever
// direction is the safe widening wins.
func widerType(a, b schema.PropertyType) schema.PropertyType {
	if gradeTypeChange(a, b) == SeverityInfo {
		return b
	}
	return a
}
