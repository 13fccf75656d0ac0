package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// SignatureHeader carries the provider's HMAC over the raw body.
const SignatureHeader = "X-Hub-Signature-256"

type lambdaError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HandleAPIGateway is the Lambda entry point for webhooks fronted by API
// Gateway. The route must expose a {provider} path parameter.
func (g *Gateway) HandleAPIGateway(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	provider := req.PathParameters["provider"]

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return lambdaResponse(http.StatusBadRequest, lambdaError{Error: "Bad Request", Details: "body is not valid base64"}), nil
		}
		body = decoded
	}

	res, err := g.Ingest(ctx, provider, body, headerValue(req.Headers, SignatureHeader))
	if err != nil {
		status := HTTPStatus(err)
		g.log.Warn().Err(err).Str("provider", provider).Int("status", status).Msg("webhook rejected")
		resp := lambdaResponse(status, lambdaError{Error: http.StatusText(status), Details: err.Error()})
		if status == http.StatusServiceUnavailable {
			resp.Headers["Retry-After"] = "5"
		}
		return resp, nil
	}
	return lambdaResponse(http.StatusAccepted, res), nil
}

// headerValue looks a header up case-insensitively. API Gateway passes
// headers through as the client sent them.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func lambdaResponse(status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"Internal Server Error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}
