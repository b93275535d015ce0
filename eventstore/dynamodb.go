package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// ConditionalCheckFailed is the cancellation reason DynamoDB reports when
// a conditional write loses
const ConditionalCheckFailed = "ConditionalCheckFailed"

// DynamoDBAPI is the subset of the DynamoDB client the stores use.
type DynamoDBAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDBStore is an event store implementation using DynamoDB.
// Each stream is one partition (hash key "type/id"), the range key is the
// aggregate version.
type DynamoDBStore struct {
	tableName string
	hashKey   string
	rangeKey  string
	api       DynamoDBAPI
	opts      options
}

type dynamoItem struct {
	EventID       string `dynamodbav:"event_id"`
	EventType     string `dynamodbav:"event_type"`
	EventVersion  int    `dynamodbav:"event_version"`
	AggregateType string `dynamodbav:"aggregate_type"`
	AggregateID   string `dynamodbav:"aggregate_id"`
	Data          string `dynamodbav:"data"`
	Metadata      string `dynamodbav:"metadata,omitempty"`
	CreatedAt     string `dynamodbav:"created_at"`
	EffectiveAt   string `dynamodbav:"effective_at,omitempty"`
	CreatedBy     string `dynamodbav:"created_by"`
	OwnedBy       string `dynamodbav:"owned_by,omitempty"`
	CorrelationID string `dynamodbav:"correlation_id,omitempty"`
	CausationID   string `dynamodbav:"causation_id,omitempty"`
	Hash          []byte `dynamodbav:"hash"`
	PreviousHash  []byte `dynamodbav:"previous_hash"`
}

// GetDynamoDBStore returns a new DB store instance
func GetDynamoDBStore(tableName, partitionKey, rangeKey string, db DynamoDBAPI, opts ...Option) *DynamoDBStore {
	return &DynamoDBStore{
		tableName: tableName,
		hashKey:   partitionKey,
		rangeKey:  rangeKey,
		api:       db,
		opts:      newOptions("dynamodb", opts),
	}
}

// Append implements the EventStore interface. The put is conditioned on
// the (stream, version) item not existing, which is the concurrency guard.
func (s *DynamoDBStore) Append(ctx context.Context, envelope Envelope) (rec Record, err error) {
	if err := envelope.Validate(); err != nil {
		return Record{}, err
	}
	key := envelope.Aggregate.Key()
	ctx, span := s.opts.startSpan(ctx, "eventstore.Append", key)
	started := time.Now()
	defer func() { s.opts.observeAppend(span, key, started, rec, err) }()

	last, found, err := s.LastRecord(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if found && last.EventID == envelope.EventID {
		return last, nil
	}

	rec, err = chain(envelope, last, found)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return s.ensureIdempotent(ctx, envelope, err)
		}
		return Record{}, err
	}

	item, err := s.marshal(rec)
	if err != nil {
		return Record{}, err
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(#version)"),
				ExpressionAttributeNames: map[string]string{
					"#version": s.rangeKey,
				},
			},
		}},
	}

	_, err = s.api.TransactWriteItems(ctx, input)
	if err != nil {
		var txnCanceled *types.TransactionCanceledException
		if errors.As(err, &txnCanceled) {
			for _, reason := range txnCanceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == ConditionalCheckFailed {
					conflict := &ConflictError{Stream: key, Expected: rec.Version(), Actual: rec.Version()}
					return s.ensureIdempotent(ctx, envelope, conflict)
				}
			}
		}
		return Record{}, transportError("transact write", err)
	}
	return rec, nil
}

// ensureIdempotent turns a conflict into success when the envelope itself
// is what got committed. Otherwise the conflict reports the head seen by
// the same read.
func (s *DynamoDBStore) ensureIdempotent(ctx context.Context, envelope Envelope, conflict error) (Record, error) {
	var head Record
	from := envelope.Aggregate.Version
	for rec, err := range s.Read(ctx, envelope.Aggregate.Key(), From(from)) {
		if err != nil {
			return Record{}, err
		}
		if rec.EventID == envelope.EventID {
			return rec, nil
		}
		head = rec
	}
	var ce *ConflictError
	if errors.As(conflict, &ce) && head.Version() > ce.Actual {
		ce.Actual = head.Version()
	}
	return Record{}, conflict
}

// LastRecord implements the EventStore interface
func (s *DynamoDBStore) LastRecord(ctx context.Context, key StreamKey) (Record, bool, error) {
	if err := key.Validate(); err != nil {
		return Record{}, false, err
	}
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("#key = :key"),
		ExpressionAttributeNames: map[string]string{
			"#key": s.hashKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: key.String()},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return Record{}, false, transportError("query last event", err)
	}
	if len(out.Items) == 0 {
		return Record{}, false, nil
	}
	rec, err := s.unmarshal(out.Items[0])
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Read implements the EventStore interface, fetching one page at a time.
func (s *DynamoDBStore) Read(ctx context.Context, key StreamKey, sel VersionSelect) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := key.Validate(); err != nil {
			yield(Record{}, err)
			return
		}
		ctx, span := s.opts.startSpan(ctx, "eventstore.Read", key)
		defer span.End()
		started := time.Now()
		defer func() { s.opts.metrics.ReadDuration(key.Type, time.Since(started)) }()

		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			ConsistentRead:         aws.Bool(true),
			KeyConditionExpression: aws.String("#key = :key AND #version >= :from"),
			ExpressionAttributeNames: map[string]string{
				"#key":     s.hashKey,
				"#version": s.rangeKey,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":key":  &types.AttributeValueMemberS{Value: key.String()},
				":from": &types.AttributeValueMemberN{Value: strconv.FormatUint(sel.Start().Uint64(), 10)},
			},
		}

		for {
			out, err := s.api.Query(ctx, input)
			if err != nil {
				yield(Record{}, transportError("query stream", err))
				return
			}
			for _, item := range out.Items {
				rec, err := s.unmarshal(item)
				if err != nil {
					yield(Record{}, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(out.LastEvaluatedKey) == 0 {
				return
			}
			input.ExclusiveStartKey = out.LastEvaluatedKey
		}
	}
}

func (s *DynamoDBStore) marshal(rec Record) (map[string]types.AttributeValue, error) {
	item := dynamoItem{
		EventID:       rec.EventID.String(),
		EventType:     rec.EventType,
		EventVersion:  rec.EventVersion,
		AggregateType: rec.Aggregate.Type,
		AggregateID:   rec.Aggregate.ID.String(),
		Data:          string(rec.Data),
		Metadata:      string(rec.Metadata),
		CreatedAt:     formatTime(rec.CreatedAt),
		CreatedBy:     rec.Context.CreatedBy.String(),
		OwnedBy:       nullUUIDText(rec.Context.OwnedBy),
		CorrelationID: nullUUIDText(rec.Context.CorrelationID),
		CausationID:   nullUUIDText(rec.Context.CausationID),
		Hash:          rec.Hash,
		PreviousHash:  rec.PreviousHash,
	}
	if rec.EffectiveAt != nil {
		item.EffectiveAt = formatTime(*rec.EffectiveAt)
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", rec.EventID, err)
	}
	av[s.hashKey] = &types.AttributeValueMemberS{Value: rec.Key().String()}
	av[s.rangeKey] = &types.AttributeValueMemberN{Value: strconv.FormatUint(rec.Version().Uint64(), 10)}
	return av, nil
}

func (s *DynamoDBStore) unmarshal(av map[string]types.AttributeValue) (Record, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return Record{}, &DecodeError{Err: err}
	}

	eventID, err := uuid.Parse(item.EventID)
	if err != nil {
		return Record{}, &DecodeError{Err: fmt.Errorf("event id: %w", err)}
	}
	decodeErr := func(field string, err error) error {
		return &DecodeError{EventID: eventID, Err: fmt.Errorf("%s: %w", field, err)}
	}

	rec := Record{
		EventID:      eventID,
		EventType:    item.EventType,
		EventVersion: item.EventVersion,
		Hash:         item.Hash,
		PreviousHash: item.PreviousHash,
	}
	if rec.PreviousHash == nil {
		rec.PreviousHash = []byte{}
	}

	rec.Aggregate.Type = item.AggregateType
	if rec.Aggregate.ID, err = uuid.Parse(item.AggregateID); err != nil {
		return Record{}, decodeErr("aggregate id", err)
	}
	n, ok := av[s.rangeKey].(*types.AttributeValueMemberN)
	if !ok {
		return Record{}, decodeErr("aggregate version", fmt.Errorf("missing %s", s.rangeKey))
	}
	version, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return Record{}, decodeErr("aggregate version", err)
	}
	rec.Aggregate.Version = Version(version)

	if rec.Context.CreatedBy, err = uuid.Parse(item.CreatedBy); err != nil {
		return Record{}, decodeErr("created by", err)
	}
	if rec.Context.OwnedBy, err = parseNullUUID(item.OwnedBy); err != nil {
		return Record{}, decodeErr("owned by", err)
	}
	if rec.Context.CorrelationID, err = parseNullUUID(item.CorrelationID); err != nil {
		return Record{}, decodeErr("correlation id", err)
	}
	if rec.Context.CausationID, err = parseNullUUID(item.CausationID); err != nil {
		return Record{}, decodeErr("causation id", err)
	}

	var created sqlTime
	if err := created.parse(item.CreatedAt); err != nil {
		return Record{}, decodeErr("created at", err)
	}
	rec.CreatedAt = created.Time
	if item.EffectiveAt != "" {
		var effective sqlTime
		if err := effective.parse(item.EffectiveAt); err != nil {
			return Record{}, decodeErr("effective at", err)
		}
		rec.EffectiveAt = &effective.Time
	}

	if rec.Data, err = canonicalJSON([]byte(item.Data)); err != nil || rec.Data == nil {
		if err == nil {
			err = fmt.Errorf("data is empty")
		}
		return Record{}, decodeErr("data", err)
	}
	if rec.Metadata, err = canonicalJSON([]byte(item.Metadata)); err != nil {
		return Record{}, decodeErr("metadata", err)
	}
	return rec, nil
}

func nullUUIDText(id uuid.NullUUID) string {
	if !id.Valid {
		return ""
	}
	return id.UUID.String()
}

func parseNullUUID(s string) (uuid.NullUUID, error) {
	if s == "" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}
