// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema_test

import (
	"context"
	"time"

	"github.com/juju/mgo/v3/bson"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coreschema "github.com/driftlake/driftlake/core/schema"
	loggertesting "github.com/driftlake/driftlake/internal/logger/testing"
	"github.com/driftlake/driftlake/internal/schema"
)

type evaluatorSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&evaluatorSuite{})

func (s *evaluatorSuite) evaluator(c *gc.C) *schema.Evaluator {
	return schema.NewEvaluator(loggertesting.WrapCheckLog(c))
}

func orderSchema() coreschema.Schema {
	return coreschema.Schema{
		"id":     {Type: coreschema.TypeString, Nullable: false},
		"amount": {Type: coreschema.TypeInteger, Nullable: false},
	}
}

func (s *evaluatorSuite) TestNewFieldIsSafe(c *gc.C) {
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{
		"id":     "a",
		"amount": 1,
		"tag":    "priority",
	}, orderSchema())

	c.Assert(result.Safe, gc.HasLen, 1)
	c.Check(result.Warning, gc.HasLen, 0)
	c.Check(result.Breaking, gc.HasLen, 0)
	change := result.Safe[0]
	c.Check(change.FieldName, gc.Equals, "tag")
	c.Check(change.NewType, gc.Equals, coreschema.TypeString)
	c.Assert(change.NewNullable, gc.NotNil)
	c.Check(*change.NewNullable, jc.IsTrue)
}

func (s *evaluatorSuite) TestTypeTransitionMatrix(c *gc.C) {
	for i, test := range []struct {
		old, new coreschema.FieldType
		expected coreschema.ChangeKind
	}{
		{coreschema.TypeInteger, coreschema.TypeFloat, coreschema.Warning},
		{coreschema.TypeBoolean, coreschema.TypeString, coreschema.Warning},
		{coreschema.TypeObject, coreschema.TypeString, coreschema.Warning},
		{coreschema.TypeArray, coreschema.TypeString, coreschema.Warning},
		{coreschema.TypeString, coreschema.TypeInteger, coreschema.Breaking},
		{coreschema.TypeFloat, coreschema.TypeInteger, coreschema.Breaking},
		{coreschema.TypeInteger, coreschema.TypeBoolean, coreschema.Breaking},
		{coreschema.TypeString, coreschema.TypeBoolean, coreschema.Breaking},
		{coreschema.TypeDatetime, coreschema.TypeString, coreschema.Breaking},
	} {
		c.Logf("test %d: %s -> %s", i, test.old, test.new)

		current := coreschema.Schema{"f": {Type: test.old, Nullable: false}}
		doc := bson.M{"f": valueOfType(test.new)}
		result := s.evaluator(c).EvaluateDocument(context.Background(), doc, current)

		c.Check(result.Worst(), gc.Equals, test.expected)
		changes := result.All()
		c.Assert(changes, gc.HasLen, 1)
		c.Check(changes[0].OldType, gc.Equals, test.old)
		c.Check(changes[0].NewType, gc.Equals, test.new)
	}
}

func (s *evaluatorSuite) TestNullOnRequiredFieldIsBreaking(c *gc.C) {
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{
		"id":     "a",
		"amount": nil,
	}, orderSchema())

	c.Assert(result.Breaking, gc.HasLen, 1)
	change := result.Breaking[0]
	c.Check(change.FieldName, gc.Equals, "amount")
	c.Assert(change.OldNullable, gc.NotNil)
	c.Check(*change.OldNullable, jc.IsFalse)
}

func (s *evaluatorSuite) TestNullOnNullableFieldIsQuiet(c *gc.C) {
	current := coreschema.Schema{
		"id":  {Type: coreschema.TypeString, Nullable: false},
		"tag": {Type: coreschema.TypeString, Nullable: true},
	}
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{
		"id":  "a",
		"tag": nil,
	}, current)
	c.Check(result.Empty(), jc.IsTrue)
}

func (s *evaluatorSuite) TestNullableObservedNonNullIsAdvisory(c *gc.C) {
	current := coreschema.Schema{
		"tag": {Type: coreschema.TypeString, Nullable: true},
	}
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{
		"tag": "priority",
	}, current)

	c.Assert(result.Safe, gc.HasLen, 1)
	change := result.Safe[0]
	c.Check(change.NewType, gc.Equals, coreschema.FieldType(""))
	c.Assert(change.OldNullable, gc.NotNil)
	c.Check(*change.OldNullable, jc.IsTrue)
	c.Assert(change.NewNullable, gc.NotNil)
	c.Check(*change.NewNullable, jc.IsFalse)

	// The advisory never narrows the evolved schema.
	evolved := s.evaluator(c).BuildEvolvedSchema(context.Background(), current, result.All())
	c.Check(evolved, jc.DeepEquals, current)
}

func (s *evaluatorSuite) TestMissingFields(c *gc.C) {
	current := coreschema.Schema{
		"id":  {Type: coreschema.TypeString, Nullable: false},
		"tag": {Type: coreschema.TypeString, Nullable: true},
	}
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{}, current)

	c.Assert(result.Breaking, gc.HasLen, 1)
	c.Check(result.Breaking[0].FieldName, gc.Equals, "id")
	c.Assert(result.Warning, gc.HasLen, 1)
	c.Check(result.Warning[0].FieldName, gc.Equals, "tag")

	// Neither flavour of missing field removes anything.
	evolved := s.evaluator(c).BuildEvolvedSchema(context.Background(), current, result.All())
	c.Check(evolved, jc.DeepEquals, current)
}

func (s *evaluatorSuite) TestTypeChangeAndNullChangeAreSeparate(c *gc.C) {
	current := coreschema.Schema{
		"amount": {Type: coreschema.TypeInteger, Nullable: true},
	}
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{
		"amount": 1.5,
	}, current)

	c.Assert(result.Warning, gc.HasLen, 1)
	c.Check(result.Warning[0].NewType, gc.Equals, coreschema.TypeFloat)
	c.Assert(result.Safe, gc.HasLen, 1)
	c.Check(result.Safe[0].NewType, gc.Equals, coreschema.FieldType(""))
}

func (s *evaluatorSuite) TestBatchDeduplicatesAndIgnoresOrder(c *gc.C) {
	current := orderSchema()
	docs := []bson.M{
		{"id": "a", "amount": 1, "tag": "x"},
		{"id": "b", "amount": 2, "tag": "y"},
		{"id": "c", "amount": 3.5},
	}

	evaluator := s.evaluator(c)
	forward := evaluator.EvaluateBatch(context.Background(), docs, current)
	reversed := evaluator.EvaluateBatch(context.Background(),
		[]bson.M{docs[2], docs[1], docs[0]}, current)

	c.Assert(forward.Safe, gc.HasLen, 1)
	c.Check(forward.Safe[0].FieldName, gc.Equals, "tag")
	c.Assert(forward.Warning, gc.HasLen, 1)
	c.Check(forward.Warning[0].FieldName, gc.Equals, "amount")

	c.Check(reversed.Safe, jc.SameContents, forward.Safe)
	c.Check(reversed.Warning, jc.SameContents, forward.Warning)
	c.Check(reversed.Breaking, jc.SameContents, forward.Breaking)
}

func (s *evaluatorSuite) TestEvolvedSchemaAddsSafeField(c *gc.C) {
	current := orderSchema()
	evaluator := s.evaluator(c)
	result := evaluator.EvaluateBatch(context.Background(), []bson.M{
		{"id": "a", "amount": 1},
		{"id": "b", "amount": 2, "tag": "priority"},
	}, current)

	c.Assert(result.Safe, gc.HasLen, 1)
	c.Check(result.Worst(), gc.Equals, coreschema.Safe)

	evolved := evaluator.BuildEvolvedSchema(context.Background(), current, result.All())
	c.Check(evolved["tag"], jc.DeepEquals, coreschema.Field{
		Type:     coreschema.TypeString,
		Nullable: true,
	})
	// The original is untouched.
	_, exists := current["tag"]
	c.Check(exists, jc.IsFalse)
}

func (s *evaluatorSuite) TestEvolvedSchemaWidensWarning(c *gc.C) {
	current := orderSchema()
	evaluator := s.evaluator(c)
	result := evaluator.EvaluateDocument(context.Background(), bson.M{
		"id":     "a",
		"amount": 1.5,
	}, current)

	evolved := evaluator.BuildEvolvedSchema(context.Background(), current, result.All())
	c.Check(evolved["amount"].Type, gc.Equals, coreschema.TypeFloat)
}

func (s *evaluatorSuite) TestEvolvedSchemaSkipsBreaking(c *gc.C) {
	current := coreschema.Schema{
		"id": {Type: coreschema.TypeString, Nullable: false},
	}
	result := s.evaluator(c).EvaluateDocument(context.Background(), bson.M{
		"id": 42,
	}, current)
	c.Assert(result.Breaking, gc.HasLen, 1)

	evolved := s.evaluator(c).BuildEvolvedSchema(context.Background(), current, result.All())
	c.Check(evolved, jc.DeepEquals, current)
}

func (s *evaluatorSuite) TestFlatten(c *gc.C) {
	flat := schema.Flatten(bson.M{
		"id": "a",
		"customer": bson.M{
			"name": "Ada",
			"address": bson.M{
				"city": "London",
			},
		},
		"items": []interface{}{
			bson.M{"sku": "X1", "qty": 2},
			bson.M{"sku": "X2", "qty": 1},
		},
		"tags": []interface{}{"a", "b"},
	})

	c.Check(flat["id"], gc.Equals, "a")
	c.Check(flat["customer.name"], gc.Equals, "Ada")
	// Only one level flattens; deeper nesting stays a raw document.
	c.Check(flat["customer.address"], jc.DeepEquals, bson.M{"city": "London"})
	c.Check(flat["items.sku"], gc.Equals, "X1")
	c.Check(flat["items.qty"], gc.Equals, 2)
	c.Check(flat["tags"], jc.DeepEquals, []interface{}{"a", "b"})
}

func (s *evaluatorSuite) TestInferType(c *gc.C) {
	for i, test := range []struct {
		value    interface{}
		expected coreschema.FieldType
		isNull   bool
	}{
		{"x", coreschema.TypeString, false},
		{bson.NewObjectId(), coreschema.TypeString, false},
		{42, coreschema.TypeInteger, false},
		{int64(42), coreschema.TypeInteger, false},
		{1.5, coreschema.TypeFloat, false},
		{true, coreschema.TypeBoolean, false},
		{time.Now(), coreschema.TypeDatetime, false},
		{bson.M{"a": 1}, coreschema.TypeObject, false},
		{[]interface{}{1, 2}, coreschema.TypeArray, false},
		{nil, coreschema.TypeString, true},
	} {
		c.Logf("test %d: %T", i, test.value)
		inferred, isNull := schema.InferType(test.value)
		c.Check(inferred, gc.Equals, test.expected)
		c.Check(isNull, gc.Equals, test.isNull)
	}
}

func valueOfType(t coreschema.FieldType) interface{} {
	switch t {
	case coreschema.TypeString:
		return "x"
	case coreschema.TypeInteger:
		return 42
	case coreschema.TypeFloat:
		return 1.5
	case coreschema.TypeBoolean:
		return true
	case coreschema.TypeDatetime:
		return time.Now()
	case coreschema.TypeObject:
		return bson.M{"a": 1}
	case coreschema.TypeArray:
		return []interface{}{1}
	}
	return nil
}
