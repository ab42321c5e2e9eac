package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/lambda-deployer/internal/dao/rundao"
)

// ProvideRunDAO returns nil when no runs table is configured
func ProvideRunDAO(settings Settings, client *dynamodb.Client) *rundao.DAO {
	if settings.RunsTable == "" {
		return nil
	}
	return rundao.New(client, settings.RunsTable)
}
