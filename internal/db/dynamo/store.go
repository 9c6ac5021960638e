// Package dynamo keeps chats and their trees in a single DynamoDB table keyed by chat ID.
package dynamo

import (
	"context"
	"sort"
	"time"

	"github.com/RichardoC/zik/internal/db"
	"github.com/RichardoC/zik/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	attrID        = "ID"
	attrTitle     = "Title"
	attrModel     = "Model"
	attrPlugin    = "Plugin"
	attrCreatedAt = "CreatedAt"
	attrTree      = "Tree"
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type Config struct {
	Table  string `mapstructure:"table"`
	Region string `mapstructure:"region"`
	// Endpoint points at DynamoDB Local or another compatible server.
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
}

type Store struct {
	api    API
	table  string
	logger *zap.Logger
}

var _ db.Store = (*Store)(nil)

// New builds a client from cfg and makes sure the table exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	s := NewWithAPI(dynamodb.NewFromConfig(awsCfg), cfg.Table, logger)
	if err := s.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewWithAPI(api API, table string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{api: api, table: table, logger: logger}
}

// EnsureTable creates the table on first start. An existing table is fine.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		s.logger.Debug("table already exists", zap.String("table", s.table))
		return nil
	}
	return errors.Wrapf(err, "create table %s", s.table)
}

func (s *Store) Close() error { return nil }

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id}}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (s *Store) LoadTree(ctx context.Context, conversationID string) ([]byte, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(conversationID),
		ProjectionExpression:     aws.String("#tree"),
		ExpressionAttributeNames: map[string]string{"#tree": attrTree},
		ConsistentRead:           aws.Bool(true),
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "load tree %s", conversationID)
	}
	tree, ok := out.Item[attrTree].(*types.AttributeValueMemberS)
	if !ok {
		return nil, false, nil
	}
	return []byte(tree.Value), true, nil
}

func (s *Store) SaveTree(ctx context.Context, conversationID string, data []byte) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(conversationID),
		UpdateExpression:          aws.String("SET #tree = :tree"),
		ExpressionAttributeNames:  map[string]string{"#tree": attrTree},
		ExpressionAttributeValues: map[string]types.AttributeValue{":tree": &types.AttributeValueMemberS{Value: string(data)}},
	})
	return errors.Wrapf(err, "save tree %s", conversationID)
}

func (s *Store) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrID:        &types.AttributeValueMemberS{Value: chat.ID},
			attrTitle:     &types.AttributeValueMemberS{Value: chat.Title},
			attrModel:     &types.AttributeValueMemberS{Value: chat.Model},
			attrPlugin:    &types.AttributeValueMemberS{Value: chat.Plugin},
			attrCreatedAt: &types.AttributeValueMemberS{Value: chat.CreatedAt.Format(time.RFC3339)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	return errors.Wrapf(err, "create chat %s", chat.ID)
}

func toChat(item map[string]types.AttributeValue) models.Chat {
	createdAt, _ := time.Parse(time.RFC3339, stringAttr(item, attrCreatedAt))
	return models.Chat{
		ID:        stringAttr(item, attrID),
		Title:     stringAttr(item, attrTitle),
		Model:     stringAttr(item, attrModel),
		Plugin:    stringAttr(item, attrPlugin),
		CreatedAt: createdAt,
	}
}

// isChat tells chat items from items holding only a tree.
func isChat(item map[string]types.AttributeValue) bool {
	_, ok := item[attrModel]
	return ok
}

func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get chat %s", id)
	}
	if out.Item == nil || !isChat(out.Item) {
		return nil, errors.Wrapf(db.ErrNotFound, "chat %s", id)
	}
	chat := toChat(out.Item)
	return &chat, nil
}

func (s *Store) ListChats(ctx context.Context) ([]models.Chat, error) {
	chats := make([]models.Chat, 0)
	paginator := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#id, #title, #model, #plugin, #created"),
		ExpressionAttributeNames: map[string]string{"#id": attrID, "#title": attrTitle, "#model": attrModel, "#plugin": attrPlugin, "#created": attrCreatedAt},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return []models.Chat{}, errors.Wrap(err, "list chats")
		}
		for _, item := range page.Items {
			if isChat(item) {
				chats = append(chats, toChat(item))
			}
		}
	}

	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].CreatedAt.Equal(chats[j].CreatedAt) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

func (s *Store) UpdateChat(ctx context.Context, chat *models.Chat) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 key(chat.ID),
		UpdateExpression:    aws.String("SET #title = :title, #model = :model, #plugin = :plugin"),
		ConditionExpression: aws.String("attribute_exists(#model)"),
		ExpressionAttributeNames: map[string]string{
			"#title":  attrTitle,
			"#model":  attrModel,
			"#plugin": attrPlugin,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title":  &types.AttributeValueMemberS{Value: chat.Title},
			":model":  &types.AttributeValueMemberS{Value: chat.Model},
			":plugin": &types.AttributeValueMemberS{Value: chat.Plugin},
		},
	})
	return s.conditional(err, "update chat %s", chat.ID)
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(id),
		ConditionExpression:      aws.String("attribute_exists(#model)"),
		ExpressionAttributeNames: map[string]string{"#model": attrModel},
	})
	return s.conditional(err, "delete chat %s", id)
}

// conditional maps a failed existence condition to db.ErrNotFound.
func (s *Store) conditional(err error, format string, id string) error {
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return errors.Wrapf(db.ErrNotFound, "chat %s", id)
	}
	return errors.Wrapf(err, format, id)
}
