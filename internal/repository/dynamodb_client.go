package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sybil-chat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// TurnStore is the conversation store contract shared by every backend.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn domain.Turn) (string, error)
	ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.Turn, error)
	CreateConversation(ctx context.Context, ownerID string) (domain.Conversation, error)
	EnsureConversation(ctx context.Context, conv domain.Conversation) error
}

// Client stores conversations in a single DynamoDB table. Items mirror the
// users/{owner}/chats/{chat}/messages/{id} document layout:
//
//	PK = USER#{owner}#CHAT#{chat}   SK = META#        conversation metadata
//	PK = USER#{owner}#CHAT#{chat}   SK = MSG#{turnId} one item per turn
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// chatPK returns the partition key for one owner's conversation.
func chatPK(ownerID, conversationID string) string {
	return "USER#" + ownerID + "#CHAT#" + conversationID
}

func msgSK(turnID string) string {
	return skPrefixMsg + turnID
}

// AppendTurn writes turn under its conversation. The write is conditional on
// the caller-generated id, so repeating it with the same id is a no-op.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) (string, error) {
	if err := turn.Validate(); err != nil {
		return "", fmt.Errorf("repository: AppendTurn: %w", err)
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var dup *types.ConditionalCheckFailedException
		if errors.As(err, &dup) {
			return turn.ID, nil
		}
		return "", fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn.ID, nil
}

// ListTurns returns every turn stored for the conversation. Items come back in
// key order, which is the random turn id, not time.
func (c *Client) ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.Turn, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("repository: ListTurns: owner and conversation id are required")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(ownerID, conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ConsistentRead: aws.Bool(true),
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			t, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			// Older items only carry the key.
			if t.OwnerID == "" {
				t.OwnerID = ownerID
			}
			if t.ConversationID == "" {
				t.ConversationID = conversationID
			}
			turns = append(turns, t)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return turns, nil
}

// CreateConversation writes metadata for a new conversation owned by ownerID.
func (c *Client) CreateConversation(ctx context.Context, ownerID string) (domain.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: owner id is required")
	}
	conv := domain.Conversation{
		OwnerID:   ownerID,
		ID:        domain.NewConversationID(),
		CreatedAt: c.now().UTC(),
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// EnsureConversation writes metadata for conv unless it already exists.
func (c *Client) EnsureConversation(ctx context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(conv.OwnerID) == "" || strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: EnsureConversation: owner and conversation id are required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: chatPK(conv.OwnerID, conv.ID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("repository: EnsureConversation get item: %w", err)
	}
	if out != nil && len(out.Item) > 0 {
		return nil
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = c.now().UTC()
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var dup *types.ConditionalCheckFailedException
		if errors.As(err, &dup) {
			return nil
		}
		return fmt.Errorf("repository: EnsureConversation put item: %w", err)
	}
	return nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	rawCreated, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}
	owner, _ := strAttr(item, "ownerId")
	conv, _ := strAttr(item, "conversationId")
	role, _ := strAttr(item, "role") // legacy items have none
	userID, _ := strAttr(item, "userId")
	userName, _ := strAttr(item, "userName")
	userAvatar, _ := strAttr(item, "userAvatar")

	author := domain.Author{ID: userID, Name: userName, Avatar: userAvatar}
	return domain.Turn{
		ID:             id,
		OwnerID:        owner,
		ConversationID: conv,
		Text:           text,
		CreatedAt:      createdAt,
		Author:         author,
		Role:           domain.RoleOf(domain.Role(role), author),
	}, nil
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: chatPK(t.OwnerID, t.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(t.ID)},
		"turnId":         &types.AttributeValueMemberS{Value: t.ID},
		"ownerId":        &types.AttributeValueMemberS{Value: t.OwnerID},
		"conversationId": &types.AttributeValueMemberS{Value: t.ConversationID},
		"text":           &types.AttributeValueMemberS{Value: t.Text},
		"createdAt":      &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"role":           &types.AttributeValueMemberS{Value: string(t.Role)},
		"userId":         &types.AttributeValueMemberS{Value: t.Author.ID},
		"userName":       &types.AttributeValueMemberS{Value: t.Author.Name},
		"userAvatar":     &types.AttributeValueMemberS{Value: t.Author.Avatar},
	}
}

func metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: chatPK(conv.OwnerID, conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"ownerId":        &types.AttributeValueMemberS{Value: conv.OwnerID},
		"userId":         &types.AttributeValueMemberS{Value: conv.OwnerID},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
