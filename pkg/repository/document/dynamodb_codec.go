package document

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/docrepo/pkg/repository"
)

// Attributes of a stored DynamoDB item. The document body lives in a single map
// attribute so its field names never collide with the key schema.
const (
	dynamoPartitionAttr = "_pk"
	dynamoIDAttr        = "_id"
	dynamoBodyAttr      = "doc"
	dynamoETagAttr      = "_etag"
	dynamoTSAttr        = "_ts"
	dynamoExpiresAttr   = "_expiresAt"
)

// toAttributeValue encodes a normalized document value. Integral float64 values keep a
// decimal point so they decode back as floats.
func toAttributeValue(v any) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(t, 10)}, nil
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(t)}, nil
	case float64:
		s := strconv.FormatFloat(t, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return &types.AttributeValueMemberN{Value: s}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, e := range t {
			av, err := toAttributeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []any:
		l := make([]types.AttributeValue, len(t))
		for i, e := range t {
			av, err := toAttributeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	}
	return nil, fmt.Errorf("unsupported document value %T", v)
}

// fromAttributeValue decodes an attribute value into the normalized document form.
// Sets decode as lists in sorted order.
func fromAttributeValue(av types.AttributeValue) (any, error) {
	switch t := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberBOOL:
		return t.Value, nil
	case *types.AttributeValueMemberS:
		return t.Value, nil
	case *types.AttributeValueMemberN:
		return decodeNumber(t.Value)
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(t.Value))
		for k, e := range t.Value {
			v, err := fromAttributeValue(e)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case *types.AttributeValueMemberL:
		l := make([]any, len(t.Value))
		for i, e := range t.Value {
			v, err := fromAttributeValue(e)
			if err != nil {
				return nil, err
			}
			l[i] = v
		}
		return l, nil
	case *types.AttributeValueMemberSS:
		values := append([]string(nil), t.Value...)
		sort.Strings(values)
		l := make([]any, len(values))
		for i, s := range values {
			l[i] = s
		}
		return l, nil
	case *types.AttributeValueMemberNS:
		l := make([]any, len(t.Value))
		for i, s := range t.Value {
			n, err := decodeNumber(s)
			if err != nil {
				return nil, err
			}
			l[i] = n
		}
		return l, nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", av)
}

func decodeNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return f, nil
}

// dynamoItem builds the stored item of a stamped document.
func dynamoItem(key repository.Key, doc repository.Document, expires int64) (map[string]types.AttributeValue, error) {
	body, err := toAttributeValue(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", key.ID, err)
	}
	item := map[string]types.AttributeValue{
		dynamoPartitionAttr: &types.AttributeValueMemberS{Value: key.PartitionKey},
		dynamoIDAttr:        &types.AttributeValueMemberS{Value: key.ID},
		dynamoBodyAttr:      body,
		dynamoETagAttr:      &types.AttributeValueMemberS{Value: repository.ETagOf(doc)},
		dynamoTSAttr:        &types.AttributeValueMemberN{Value: strconv.FormatInt(repository.TimestampOf(doc), 10)},
	}
	if expires > 0 {
		item[dynamoExpiresAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
	}
	return item, nil
}

// fromDynamoItem decodes a stored item and returns its expiry, zero when it never
// expires.
func fromDynamoItem(item map[string]types.AttributeValue) (repository.Document, int64, error) {
	body, ok := item[dynamoBodyAttr]
	if !ok {
		return nil, 0, fmt.Errorf("item has no %s attribute", dynamoBodyAttr)
	}
	decoded, err := fromAttributeValue(body)
	if err != nil {
		return nil, 0, err
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return nil, 0, fmt.Errorf("item %s attribute is not a map", dynamoBodyAttr)
	}
	var expires int64
	if n, ok := item[dynamoExpiresAttr].(*types.AttributeValueMemberN); ok {
		expires, _ = strconv.ParseInt(n.Value, 10, 64)
	}
	return doc, expires, nil
}

func dynamoKey(key repository.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoPartitionAttr: &types.AttributeValueMemberS{Value: key.PartitionKey},
		dynamoIDAttr:        &types.AttributeValueMemberS{Value: key.ID},
	}
}
