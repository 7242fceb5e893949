package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Spark cost per node type. Handler implementations for llm/image/video live
// with their provider integrations and register themselves at startup.
var sparkCosts = map[string]int{
	"trigger":      0,
	"condition":    0,
	"http":         1,
	"notification": 1,
	"llm":          5,
	"image":        10,
	"video":        50,
}

// SparkCost returns the base cost for a node type; unknown types cost zero.
func SparkCost(nodeType string) int {
	return sparkCosts[nodeType]
}

// DefaultRegistry registers the built-in node handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("trigger", HandlerFunc(executeTrigger))
	r.Register("condition", HandlerFunc(executeCondition))
	r.Register("http", HandlerFunc(executeHTTP))
	r.Register("notification", HandlerFunc(executeNotification))
	return r
}

// executeTrigger passes the run input through.
func executeTrigger(_ context.Context, _ map[string]interface{}, upstream map[string]interface{}) (Result, error) {
	return Result{
		Output: map[string]interface{}{
			"triggered": true,
			"input":     upstream[InputKey],
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		Sparks: sparkCosts["trigger"],
	}, nil
}

// executeCondition evaluates config {field, operator, value} against upstream
// outputs; field uses dot notation ("nodeA.output.text").
func executeCondition(_ context.Context, config map[string]interface{}, upstream map[string]interface{}) (Result, error) {
	field, _ := config["field"].(string)
	operator, _ := config["operator"].(string)
	expected := config["value"]

	result := true
	if field != "" {
		actual := nestedValue(upstream, field)
		result = evaluateOperator(operator, actual, expected)
	}

	branch := "false"
	if result {
		branch = "true"
	}
	return Result{
		Output: map[string]interface{}{"result": result, "branch": branch},
		Sparks: sparkCosts["condition"],
	}, nil
}

func evaluateOperator(operator string, actual, expected interface{}) bool {
	switch operator {
	case "equals":
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case "not_equals":
		return fmt.Sprint(actual) != fmt.Sprint(expected)
	case "contains":
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected))
	case "greater_than":
		return toFloat(actual) > toFloat(expected)
	case "less_than":
		return toFloat(actual) < toFloat(expected)
	case "exists":
		return actual != nil
	default:
		return true
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	}
	return 0
}

func nestedValue(obj map[string]interface{}, path string) interface{} {
	var current interface{} = obj
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

const httpBodyLimit = 1 << 20 // 1 MiB

// executeHTTP performs the configured request. Non-2xx responses are node
// failures so downstream nodes are skipped rather than fed error pages.
func executeHTTP(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (Result, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("http node requires a url")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := config["body"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Result{}, err
		}
		body = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Sparks: sparkCosts["http"]}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
	if err != nil {
		return Result{Sparks: sparkCosts["http"]}, err
	}

	output := map[string]interface{}{
		"status_code": resp.StatusCode,
		"url":         url,
	}
	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		output["body"] = parsed
	} else {
		output["body"] = string(raw)
	}

	if resp.StatusCode >= 400 {
		return Result{Output: output, Sparks: sparkCosts["http"]}, fmt.Errorf("http node: %s returned %d", url, resp.StatusCode)
	}
	return Result{Output: output, Sparks: sparkCosts["http"]}, nil
}

// executeNotification records the notification intent. Actual delivery
// transports hang off the channel tag and live outside the engine.
func executeNotification(_ context.Context, config map[string]interface{}, _ map[string]interface{}) (Result, error) {
	channel, _ := config["channel"].(string)
	if channel == "" {
		return Result{}, fmt.Errorf("notification node requires a channel")
	}
	message, _ := config["message"].(string)

	log.Info().Str("channel", channel).Str("message", message).Msg("notification dispatched")

	return Result{
		Output: map[string]interface{}{
			"sent":      true,
			"channel":   channel,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		Sparks: sparkCosts["notification"],
	}, nil
}
