package schema

import (
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// parquetSchema renders the element tree as the Parquet schema the sink
// writes with. Scalars are optional; repeated elements become repeated
// groups/leaves, mirroring the Avro nullable-array shape.
func parquetSchema(resourceType string, elements []Element) (*parquet.Schema, error) {
	group, err := parquetGroupOf(elements, resourceType)
	if err != nil {
		return nil, err
	}
	return parquet.NewSchema(resourceType, group), nil
}

func parquetGroupOf(elements []Element, path string) (parquet.Group, error) {
	group := parquet.Group{}
	for _, el := range elements {
		node, err := parquetNodeOf(el, path)
		if err != nil {
			return nil, err
		}
		group[el.Name] = node
	}
	return group, nil
}

func parquetNodeOf(el Element, path string) (parquet.Node, error) {
	var node parquet.Node
	switch el.Kind {
	case KindString, KindJSON:
		node = parquet.String()
	case KindBool:
		node = parquet.Leaf(parquet.BooleanType)
	case KindInt:
		node = parquet.Int(32)
	case KindLong:
		node = parquet.Int(64)
	case KindDouble:
		node = parquet.Leaf(parquet.DoubleType)
	case KindRecord:
		group, err := parquetGroupOf(el.Children, path+"."+el.Name)
		if err != nil {
			return nil, err
		}
		node = group
	default:
		return nil, fmt.Errorf("element %s.%s has unknown kind %d", path, el.Name, el.Kind)
	}
	if el.Repeated {
		return parquet.Repeated(node), nil
	}
	return parquet.Optional(node), nil
}
