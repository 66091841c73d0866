package document

import (
	"context"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	dynamostore "github.com/nimburion/docrepo/pkg/store/dynamodb"
)

// DynamoExecutor defines the DynamoDB calls of the DynamoDB provider. Inputs are passed
// through unchanged so the full request surface stays available.
type DynamoExecutor interface {
	GetItem(ctx context.Context, input *awsdynamodb.GetItemInput) (*awsdynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, input *awsdynamodb.BatchGetItemInput) (*awsdynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, input *awsdynamodb.PutItemInput) (*awsdynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, input *awsdynamodb.DeleteItemInput) (*awsdynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, input *awsdynamodb.QueryInput) (*awsdynamodb.QueryOutput, error)
	Scan(ctx context.Context, input *awsdynamodb.ScanInput) (*awsdynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, input *awsdynamodb.TransactWriteItemsInput) (*awsdynamodb.TransactWriteItemsOutput, error)
	ExecuteStatement(ctx context.Context, input *awsdynamodb.ExecuteStatementInput) (*awsdynamodb.ExecuteStatementOutput, error)
	DescribeTable(ctx context.Context, input *awsdynamodb.DescribeTableInput) (*awsdynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, input *awsdynamodb.CreateTableInput) (*awsdynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, input *awsdynamodb.UpdateTimeToLiveInput) (*awsdynamodb.UpdateTimeToLiveOutput, error)
}

var _ DynamoExecutor = (*dynamostore.Adapter)(nil)
