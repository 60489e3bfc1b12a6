package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket        string
	Prefix        string // key prefix, default "alloy"
	Region        string
	Profile       string
	DynamoDBTable string // optional, enables locking
	SSE           bool   // server-side encryption on put
}

// S3Store keeps one JSON state document per scope in an S3 bucket, with
// optional DynamoDB conditional-put locking. Each scope document lives at
// <prefix>/<scopePath>/state.json.
type S3Store struct {
	opts     S3Options
	s3Client *s3.Client
	dbClient *dynamodb.Client

	mu      sync.Mutex
	lockIDs map[string]string // scopePath -> lock info
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	if opts.Prefix == "" {
		opts.Prefix = "alloy"
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	var cfgOpts []func(*awsconfig.LoadOptions) error
	cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	if opts.Profile != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	st := &S3Store{
		opts:     opts,
		s3Client: s3.NewFromConfig(cfg),
		lockIDs:  make(map[string]string),
	}
	if opts.DynamoDBTable != "" {
		st.dbClient = dynamodb.NewFromConfig(cfg)
	}
	return st, nil
}

func (s *S3Store) key(scopePath string) string {
	return path.Join(s.opts.Prefix, scopePath, "state.json")
}

func (s *S3Store) Get(ctx context.Context, scopePath, id string) (*Record, error) {
	doc, err := s.read(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *S3Store) Put(ctx context.Context, scopePath, id string, rec *Record) error {
	doc, err := s.read(ctx, scopePath)
	if err != nil {
		return err
	}
	cp := *rec
	doc.Resources[id] = &cp
	return s.write(ctx, scopePath, doc)
}

func (s *S3Store) Delete(ctx context.Context, scopePath, id string) error {
	doc, err := s.read(ctx, scopePath)
	if err != nil {
		return err
	}
	if _, ok := doc.Resources[id]; !ok {
		return nil
	}
	delete(doc.Resources, id)
	return s.write(ctx, scopePath, doc)
}

func (s *S3Store) List(ctx context.Context, scopePath string) ([]string, error) {
	doc, err := s.read(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.Resources))
	for id := range doc.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ScopePaths lists state documents in the bucket under prefix.
func (s *S3Store) ScopePaths(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := s.opts.Prefix + "/"
	if prefix != "" {
		keyPrefix = path.Join(s.opts.Prefix, prefix) + "/"
	}

	var paths []string
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list state objects in s3://%s/%s: %w", s.opts.Bucket, keyPrefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel, ok := strings.CutSuffix(key, "/state.json")
			if !ok {
				continue
			}
			paths = append(paths, strings.TrimPrefix(rel, s.opts.Prefix+"/"))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *S3Store) read(ctx context.Context, scopePath string) (*scopeDocument, error) {
	key := s.key(scopePath)
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// A missing object is an empty scope.
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return &scopeDocument{Version: 1, Resources: map[string]*Record{}}, nil
		}
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return &scopeDocument{Version: 1, Resources: map[string]*Record{}}, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", s.opts.Bucket, key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	content := buf.Bytes()

	content, err = Decrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt remote state: %w", err)
	}

	var doc scopeDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	if doc.Resources == nil {
		doc.Resources = map[string]*Record{}
	}
	return &doc, nil
}

func (s *S3Store) write(ctx context.Context, scopePath string, doc *scopeDocument) error {
	key := s.key(scopePath)

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	encrypted, err := Encrypt(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(encrypted),
	}
	if s.opts.SSE {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", s.opts.Bucket, key, err)
	}
	return nil
}

// Lock acquires a DynamoDB conditional-put lock for the scope. Without a
// configured table it is a no-op.
func (s *S3Store) Lock(scopePath string) error {
	if s.dbClient == nil {
		return nil
	}

	key := s.key(scopePath)
	info := fmt.Sprintf("alloy-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := s.dbClient.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(s.opts.DynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: info},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("scope %s is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q",
				scopePath, key, s.opts.DynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	s.mu.Lock()
	s.lockIDs[scopePath] = info
	s.mu.Unlock()
	return nil
}

// Unlock releases the scope's DynamoDB lock.
func (s *S3Store) Unlock(scopePath string) error {
	if s.dbClient == nil {
		return nil
	}

	_, err := s.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(s.opts.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.key(scopePath)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	s.mu.Lock()
	delete(s.lockIDs, scopePath)
	s.mu.Unlock()
	return nil
}
