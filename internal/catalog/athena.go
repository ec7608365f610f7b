package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/google/uuid"
)

const dataCatalog = "AwsDataCatalog"

// ErrTableNotFound is returned by TableReader.GetTable for unknown tables.
var ErrTableNotFound = errors.New("table not found")

// TableReader reads the current column list of a catalog table. Partition keys are not
// part of the returned schema.
type TableReader interface {
	GetTable(ctx context.Context, table string) (*TableSchema, error)
}

// AthenaConfig holds Athena connection settings
type AthenaConfig struct {
	Region         string
	Database       string
	Workgroup      string
	OutputLocation string
	AccessKey      string
	SecretKey      string
}

// AthenaExecutor runs catalog statements through Amazon Athena and reads table metadata
// from its data catalog.
type AthenaExecutor struct {
	client *athena.Client
	cfg    AthenaConfig
}

// NewAthenaExecutor creates an executor bound to cfg.Database.
func NewAthenaExecutor(ctx context.Context, cfg AthenaConfig) (*AthenaExecutor, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AthenaExecutor{client: athena.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// Start submits statement. Database level DDL runs without a database context since the
// database may not exist yet.
func (e *AthenaExecutor) Start(ctx context.Context, statement string) (string, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString:        aws.String(statement),
		ClientRequestToken: aws.String(uuid.New().String()),
	}
	if !isDatabaseDDL(statement) {
		input.QueryExecutionContext = &types.QueryExecutionContext{
			Catalog:  aws.String(dataCatalog),
			Database: aws.String(e.cfg.Database),
		}
	}
	if e.cfg.Workgroup != "" {
		input.WorkGroup = aws.String(e.cfg.Workgroup)
	}
	if e.cfg.OutputLocation != "" {
		input.ResultConfiguration = &types.ResultConfiguration{
			OutputLocation: aws.String(e.cfg.OutputLocation),
		}
	}

	out, err := e.client.StartQueryExecution(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to start query: %w", err)
	}
	return aws.ToString(out.QueryExecutionId), nil
}

func (e *AthenaExecutor) Status(ctx context.Context, executionID string) (Status, error) {
	out, err := e.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(executionID),
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to get query execution: %w", err)
	}
	if out.QueryExecution == nil || out.QueryExecution.Status == nil {
		return Status{State: StateSubmitted}, nil
	}

	st := out.QueryExecution.Status
	reason := aws.ToString(st.StateChangeReason)
	if reason == "" && st.AthenaError != nil {
		reason = aws.ToString(st.AthenaError.ErrorMessage)
	}

	switch st.State {
	case types.QueryExecutionStateSucceeded:
		return Status{State: StateSucceeded}, nil
	case types.QueryExecutionStateFailed:
		return Status{State: StateFailed, Reason: reason}, nil
	case types.QueryExecutionStateCancelled:
		return Status{State: StateCancelled, Reason: reason}, nil
	default:
		return Status{State: StateSubmitted}, nil
	}
}

func (e *AthenaExecutor) Stop(ctx context.Context, executionID string) error {
	_, err := e.client.StopQueryExecution(ctx, &athena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(executionID),
	})
	if err != nil {
		return fmt.Errorf("failed to stop query: %w", err)
	}
	return nil
}

func (e *AthenaExecutor) GetTable(ctx context.Context, table string) (*TableSchema, error) {
	out, err := e.client.GetTableMetadata(ctx, &athena.GetTableMetadataInput{
		CatalogName:  aws.String(dataCatalog),
		DatabaseName: aws.String(e.cfg.Database),
		TableName:    aws.String(table),
	})
	if err != nil {
		var me *types.MetadataException
		if errors.As(err, &me) && strings.Contains(strings.ToLower(me.ErrorMessage()), "not found") {
			return nil, ErrTableNotFound
		}
		return nil, fmt.Errorf("failed to get table metadata: %w", err)
	}
	if out.TableMetadata == nil {
		return nil, ErrTableNotFound
	}

	schema := &TableSchema{Columns: make([]Column, 0, len(out.TableMetadata.Columns))}
	for _, c := range out.TableMetadata.Columns {
		schema.Columns = append(schema.Columns, Column{
			Name: aws.ToString(c.Name),
			Type: aws.ToString(c.Type),
		})
	}
	return schema, nil
}

func isDatabaseDDL(statement string) bool {
	s := strings.ToUpper(strings.TrimSpace(statement))
	return strings.HasPrefix(s, "CREATE DATABASE") || strings.HasPrefix(s, "CREATE SCHEMA")
}
