package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"FollowUp/internal/apperr"
	"FollowUp/internal/models"
)

// DynamoAPI is the subset of *dynamodb.Client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps applications and follow-up records in two tables, both
// keyed by "id". The policy is stored as a nested map attribute.
//
// The due query is a filtered scan sorted client side, which is fine for the
// tens of applications per cycle this service targets.
type DynamoStore struct {
	db           DynamoAPI
	appTable     string
	recordsTable string
}

func NewDynamo(ctx context.Context, region, endpoint, appTable, recordsTable string) (*DynamoStore, error) {
	if appTable == "" || recordsTable == "" {
		return nil, fmt.Errorf("dynamo: application and record table names are required")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewDynamoWithClient(client, appTable, recordsTable), nil
}

func NewDynamoWithClient(client DynamoAPI, appTable, recordsTable string) *DynamoStore {
	return &DynamoStore{db: client, appTable: appTable, recordsTable: recordsTable}
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.appTable)})
	return err
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func isConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

func (s *DynamoStore) InsertApplication(ctx context.Context, app *models.Application) error {
	item, err := attributevalue.MarshalMap(app)
	if err != nil {
		return fmt.Errorf("insert application: marshal: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.appTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("insert application: duplicate id %s", app.ID)
	}
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.appTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	if out.Item == nil {
		return nil, apperr.NotFound("application", id)
	}

	var app models.Application
	if err := attributevalue.UnmarshalMap(out.Item, &app); err != nil {
		return nil, fmt.Errorf("get application: unmarshal: %w", err)
	}
	return &app, nil
}

func (s *DynamoStore) FindEligibleApplications(ctx context.Context, nowMs int64, limit int) ([]models.Application, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.appTable),
		ConsistentRead:   aws.Bool(true),
		FilterExpression: aws.String("#st = :sent AND #p.#nd <= :now AND #p.#ac < #p.#ma"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
			"#p":  "policy",
			"#nd": "next_due_at",
			"#ac": "attempt_count",
			"#ma": "max_attempts",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sent": &types.AttributeValueMemberS{Value: string(models.StatusSent)},
			":now":  num(nowMs),
		},
	}

	var apps []models.Application
	for {
		out, err := s.db.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("find eligible: %w", err)
		}

		var page []models.Application
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("find eligible: unmarshal: %w", err)
		}
		apps = append(apps, page...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sortByDue(apps)
	if limit >= 0 && len(apps) > limit {
		apps = apps[:limit]
	}
	return apps, nil
}

func (s *DynamoStore) ConditionalUpdatePolicy(ctx context.Context, appID string, expectedAttemptCount int, upd models.PolicyUpdate) (bool, error) {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.appTable),
		Key:       idKey(appID),

		// Only advance if nobody else advanced the attempt count first.
		ConditionExpression: aws.String("attribute_exists(id) AND #p.#ac = :expected"),
		UpdateExpression:    aws.String("SET #p.#ac = :ac, #p.#la = :la, #p.#nd = :nd, updated_at = :u"),

		ExpressionAttributeNames: map[string]string{
			"#p":  "policy",
			"#ac": "attempt_count",
			"#la": "last_attempt_at",
			"#nd": "next_due_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": num(int64(expectedAttemptCount)),
			":ac":       num(int64(upd.AttemptCount)),
			":la":       num(upd.LastAttemptAt),
			":nd":       num(upd.NextDueAt),
			":u":        num(upd.UpdatedAt),
		},
	})
	if err == nil {
		return true, nil
	}
	if !isConditionFailed(err) {
		return false, fmt.Errorf("conditional update: %w", err)
	}

	// The condition also fails for a missing item; tell the two apart.
	if _, gerr := s.GetApplication(ctx, appID); gerr != nil {
		return false, gerr
	}
	return false, nil
}

func (s *DynamoStore) UpdateApplicationStatus(ctx context.Context, id string, status models.ApplicationStatus, nowMs int64) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.appTable),
		Key:                      idKey(id),
		ConditionExpression:      aws.String("attribute_exists(id)"),
		UpdateExpression:         aws.String("SET #st = :st, updated_at = :u"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(status)},
			":u":  num(nowMs),
		},
	})
	if isConditionFailed(err) {
		return apperr.NotFound("application", id)
	}
	if err != nil {
		return fmt.Errorf("update application status: %w", err)
	}
	return nil
}

func (s *DynamoStore) CreateFollowUpRecord(ctx context.Context, rec *models.FollowUpRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("create follow-up record: marshal: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.recordsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("create follow-up record: %w", err)
	}
	return nil
}

func (s *DynamoStore) UpdateFollowUpRecordStatus(ctx context.Context, id string, status models.FollowUpStatus) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.recordsTable),
		Key:                      idKey(id),
		ConditionExpression:      aws.String("attribute_exists(id)"),
		UpdateExpression:         aws.String("SET #st = :st"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
	if isConditionFailed(err) {
		return apperr.NotFound("follow-up record", id)
	}
	if err != nil {
		return fmt.Errorf("update follow-up record status: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListFollowUpRecords(ctx context.Context, appID string) ([]models.FollowUpRecord, error) {
	in := &dynamodb.ScanInput{
		TableName:                aws.String(s.recordsTable),
		FilterExpression:         aws.String("original_application_id = :app"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":app": &types.AttributeValueMemberS{Value: appID},
		},
	}

	var out []models.FollowUpRecord
	for {
		page, err := s.db.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("list follow-up records: %w", err)
		}

		var recs []models.FollowUpRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("list follow-up records: unmarshal: %w", err)
		}
		out = append(out, recs...)

		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}

	sortRecords(out)
	return out, nil
}
