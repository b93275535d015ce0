package testutils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	uuid "github.com/satori/go.uuid"
	_ "modernc.org/sqlite"
)

// RandomName returns prefix with a random suffix, for tables and topics.
func RandomName(prefix string) string {
	return prefix + uuid.NewV4().String()
}

// SQLiteDSN returns a DSN for a fresh database file under dir. Writers take
// the lock when the transaction begins and wait for it instead of failing.
func SQLiteDSN(dir string) string {
	return "file:" + filepath.Join(dir, "events.db") +
		"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// NewSQLiteDB opens a SQLite database in the test's temp dir and closes it
// when the test ends.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", SQLiteDSN(t.TempDir()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// CreateTestTable creates an events table keyed by (hashKey, rangeKey)
// and waits for it to become active.
func CreateTestTable(tableName, hashKey, rangeKey string, db *dynamodb.Client) {
	createTable(db, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(rangeKey),
				AttributeType: types.ScalarAttributeTypeN,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String(rangeKey),
				KeyType:       types.KeyTypeRange,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(1),
			WriteCapacityUnits: aws.Int64(1),
		},
		TableName: aws.String(tableName),
	})
}

// CreateSnapshotTable creates a snapshot table keyed by hashKey only.
func CreateSnapshotTable(tableName, hashKey string, db *dynamodb.Client) {
	createTable(db, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       types.KeyTypeHash,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(1),
			WriteCapacityUnits: aws.Int64(1),
		},
		TableName: aws.String(tableName),
	})
}

func createTable(db *dynamodb.Client, input *dynamodb.CreateTableInput) {
	_, err := db.CreateTable(context.TODO(), input)
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			panic(err)
		}
		fmt.Println("Table already exists")
		return
	}

	maxWaitTime := time.Minute
	waiter := dynamodb.NewTableExistsWaiter(db)
	err = waiter.Wait(context.TODO(), &dynamodb.DescribeTableInput{TableName: input.TableName}, maxWaitTime)
	if err != nil {
		panic(err)
	}
	fmt.Printf("table %s is ready for use\n", *input.TableName)
}

// DestroyTestTable - Destroy the local DynamoDB table created for your test
// If you're using a table in AWS (remote), then don't destroy, reuse instead.
func DestroyTestTable(tableName string, db *dynamodb.Client) {
	_, err := db.DeleteTable(context.TODO(), &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		panic(fmt.Sprintf("Could not delete table: %v", err))
	}
	fmt.Println("Deleted test table")
}
