package eventstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoDBSnapshotStore keeps one item per stream, keyed by "type/id".
type DynamoDBSnapshotStore struct {
	tableName string
	hashKey   string
	api       DynamoDBAPI
	opts      options
}

// GetDynamoDBSnapshotStore returns a snapshot store over an existing table.
func GetDynamoDBSnapshotStore(tableName, partitionKey string, db DynamoDBAPI, opts ...Option) *DynamoDBSnapshotStore {
	return &DynamoDBSnapshotStore{tableName: tableName, hashKey: partitionKey, api: db, opts: newOptions("dynamodb", opts)}
}

// SaveSnapshot implements the SnapshotStore interface. created_at is only
// written when the item is new.
func (s *DynamoDBSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := snapshot.validate(); err != nil {
		return err
	}
	snapshot = snapshot.stamp(time.Now())
	state, err := compactState(snapshot.State)
	if err != nil {
		return err
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			s.hashKey: &types.AttributeValueMemberS{Value: snapshot.Key().String()},
		},
		UpdateExpression: aws.String("SET aggregate_type = :type, aggregate_id = :id, aggregate_version = :version, " +
			"#state = :state, updated_at = :updated, created_at = if_not_exists(created_at, :created)"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":type":    &types.AttributeValueMemberS{Value: snapshot.AggregateType},
			":id":      &types.AttributeValueMemberS{Value: snapshot.AggregateID.String()},
			":version": &types.AttributeValueMemberN{Value: strconv.FormatUint(snapshot.AggregateVersion.Uint64(), 10)},
			":state":   &types.AttributeValueMemberS{Value: string(state)},
			":updated": &types.AttributeValueMemberS{Value: formatTime(snapshot.UpdatedAt)},
			":created": &types.AttributeValueMemberS{Value: formatTime(snapshot.CreatedAt)},
		},
	})
	if err != nil {
		return transportError("save snapshot", err)
	}
	s.opts.metrics.SnapshotSaved(snapshot.AggregateType)
	return nil
}

// LoadSnapshot implements the SnapshotStore interface
func (s *DynamoDBSnapshotStore) LoadSnapshot(ctx context.Context, key StreamKey) (Snapshot, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			s.hashKey: &types.AttributeValueMemberS{Value: key.String()},
		},
	})
	if err != nil {
		return Snapshot{}, transportError("load snapshot", err)
	}
	if len(out.Item) == 0 {
		s.opts.metrics.SnapshotLoaded(key.Type, false)
		return Snapshot{}, ErrSnapshotNotFound
	}

	str := func(name string) string {
		if v, ok := out.Item[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}

	snapshot := Snapshot{AggregateType: str("aggregate_type")}
	if snapshot.AggregateID, err = uuid.Parse(str("aggregate_id")); err != nil {
		return Snapshot{}, &DecodeError{Err: fmt.Errorf("snapshot aggregate id: %w", err)}
	}
	n, ok := out.Item["aggregate_version"].(*types.AttributeValueMemberN)
	if !ok {
		return Snapshot{}, &DecodeError{Err: fmt.Errorf("snapshot %s: missing version", key)}
	}
	version, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return Snapshot{}, &DecodeError{Err: fmt.Errorf("snapshot version: %w", err)}
	}
	snapshot.AggregateVersion = Version(version)
	if snapshot.State, err = compactState([]byte(str("state"))); err != nil {
		return Snapshot{}, &DecodeError{Err: fmt.Errorf("snapshot state: %w", err)}
	}

	var created, updated sqlTime
	if err := created.parse(str("created_at")); err == nil {
		snapshot.CreatedAt = created.Time
	}
	if err := updated.parse(str("updated_at")); err == nil {
		snapshot.UpdatedAt = updated.Time
	}
	s.opts.metrics.SnapshotLoaded(key.Type, true)
	return snapshot, nil
}
