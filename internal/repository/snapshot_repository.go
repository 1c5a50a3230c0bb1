package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	pkgconfig "github.com/PlebeianApp/market-sub007/pkg/config"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepository caches derived order views and checkout state in a
// single DynamoDB table. Snapshots are a read-side convenience: the shared
// log stays the source of truth and every record here can be rebuilt from
// it, so writes are best-effort.
type SnapshotRepository struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBClient(cfg *pkgconfig.Config) (*dynamodb.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func NewSnapshotRepository(client *dynamodb.Client, tableName string) *SnapshotRepository {
	return &SnapshotRepository{
		client:    client,
		tableName: tableName,
	}
}

type viewRecord struct {
	View      domain.OrderView `dynamodbav:"view"`
	UpdatedAt string           `dynamodbav:"updated_at"`
}

// PutOrderView stores the latest derived view for an order.
func (r *SnapshotRepository) PutOrderView(ctx context.Context, view domain.OrderView) error {
	av, err := attributevalue.MarshalMap(viewRecord{
		View:      view,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order view: %w", err)
	}
	av["PK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", view.OrderID)}
	av["SK"] = &types.AttributeValueMemberS{Value: "VIEW"}
	av["GSI1PK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("BUYER#%s", view.Buyer)}
	av["GSI1SK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", view.OrderID)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put order view: %w", err)
	}
	return nil
}

// GetOrderView loads the cached view for an order, used when every
// transport is unreachable.
func (r *SnapshotRepository) GetOrderView(ctx context.Context, orderID string) (*domain.OrderView, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", orderID)},
			"SK": &types.AttributeValueMemberS{Value: "VIEW"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrSnapshotNotFound
	}
	var rec viewRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, err
	}
	return &rec.View, nil
}

type checkoutRecord struct {
	Invoices  []domain.Invoice `dynamodbav:"invoices"`
	UpdatedAt string           `dynamodbav:"updated_at"`
}

// PutCheckout stores the invoice set of an order's checkout so a restarted
// process resumes with settled invoices intact.
func (r *SnapshotRepository) PutCheckout(ctx context.Context, orderID string, invoices []domain.Invoice) error {
	av, err := attributevalue.MarshalMap(checkoutRecord{
		Invoices:  invoices,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkout: %w", err)
	}
	av["PK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", orderID)}
	av["SK"] = &types.AttributeValueMemberS{Value: "CHECKOUT"}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put checkout: %w", err)
	}
	return nil
}

// GetCheckout loads the persisted invoice set for an order.
func (r *SnapshotRepository) GetCheckout(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("ORDER#%s", orderID)},
			"SK": &types.AttributeValueMemberS{Value: "CHECKOUT"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrSnapshotNotFound
	}
	var rec checkoutRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, err
	}
	return rec.Invoices, nil
}
