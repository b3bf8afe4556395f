// Package catalog reads purchasable point packages from DynamoDB.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
	"github.com/imrishuroy/go-payment-reconciler/internal/money"
)

// Package is a purchasable bundle of points.
type Package struct {
	ID            string      `dynamodbav:"package_id" json:"id"` // PK
	Name          string      `dynamodbav:"name" json:"name"`
	Description   string      `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Amount        money.Money `dynamodbav:"amount" json:"amount"`
	Points        int64       `dynamodbav:"points" json:"points"`
	BonusPoints   int64       `dynamodbav:"bonus_points" json:"bonusPoints"`
	IsActive      bool        `dynamodbav:"is_active" json:"isActive"`
	IsRecommended bool        `dynamodbav:"is_recommended" json:"isRecommended"`
	SortOrder     int         `dynamodbav:"sort_order" json:"sortOrder"`
}

// Store is the packages table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewStore returns a catalog Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// GetPackage returns the package or (nil, nil) if it does not exist.
func (s *Store) GetPackage(ctx context.Context, id string) (*Package, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"package_id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Package
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal package: %w", err)
	}
	return &p, nil
}

// ListActive returns active packages ordered by sort_order. The table is
// small, so a filtered scan is fine.
func (s *Store) ListActive(ctx context.Context) ([]Package, error) {
	input := &dyn.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: awsString("is_active = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	}
	var pkgs []Package
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan packages: %w", err)
		}
		var page []Package
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal packages: %w", err)
		}
		pkgs = append(pkgs, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].SortOrder < pkgs[j].SortOrder })
	return pkgs, nil
}

func awsString(s string) *string { return &s }
