package main

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// lambdaHandler serves API Gateway HTTP API (payload v2) events through the
// router.
type lambdaHandler func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

func newLambdaHandler(next http.Handler) lambdaHandler {
	return httpadapter.NewV2(next).ProxyWithContext
}
