package serviceconfig_test

import (
	"encoding/json"
	"testing"

	"github.com/fullstorydev/rpcweave/serviceconfig"
)

func TestParseValid(t *testing.T) {
	raw := []byte(`{
		"loadBalancingPolicy": "round_robin",
		"methodConfig": [
			{"name": [{"service": "echo.Echoer", "method": "Say"}], "timeout": "1.5s"}
		]
	}`)
	cfg, err := serviceconfig.Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.LoadBalancingPolicy != "round_robin" {
		t.Fatalf("got policy %q", cfg.LoadBalancingPolicy)
	}
	if len(cfg.MethodConfig) != 1 || cfg.MethodConfig[0].Timeout != "1.5s" {
		t.Fatalf("unexpected method config: %+v", cfg.MethodConfig)
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	raw := []byte(`{
		"methodConfig": [
			{"name": [{"service": "echo.Echoer", "method": "Say"}]},
			{"name": [{"service": "echo.Echoer", "method": "Say"}]}
		]
	}`)
	if _, err := serviceconfig.Parse(raw); err == nil {
		t.Fatalf("expected validation error for duplicate (service, method)")
	}
}

func TestValidateRejectsBadTimeoutShape(t *testing.T) {
	raw := []byte(`{"methodConfig": [{"name": [{"service": "s"}], "timeout": "5"}]}`)
	if _, err := serviceconfig.Parse(raw); err == nil {
		t.Fatalf("expected validation error for malformed timeout")
	}
}

func TestLoadBalancingConfigDecode(t *testing.T) {
	raw := []byte(`{"loadBalancingConfig": [{"round_robin": {"shuffleAddressList": true}}]}`)
	cfg, err := serviceconfig.Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cfg.LoadBalancingConfig) != 1 || cfg.LoadBalancingConfig[0].PolicyName != "round_robin" {
		t.Fatalf("unexpected lb config: %+v", cfg.LoadBalancingConfig)
	}
	var typed struct {
		ShuffleAddressList bool `json:"shuffleAddressList"`
	}
	if err := cfg.LoadBalancingConfig[0].DecodeInto(&typed); err != nil {
		t.Fatalf("DecodeInto failed: %v", err)
	}
	if !typed.ShuffleAddressList {
		t.Fatalf("expected ShuffleAddressList to decode true")
	}
}

func TestSelectCanaryE5(t *testing.T) {
	// E5 from §8: our fixed client-language tag is "go", which is not
	// "other", so the first choice is skipped and the second wins.
	txt := []string{
		`grpc_config=[{"clientLanguage":["other"],"serviceConfig":{"loadBalancingPolicy":"A"}},` +
			`{"serviceConfig":{"loadBalancingPolicy":"B"}}]`,
	}
	sc, err := serviceconfig.Select(txt, serviceconfig.SelectorOptions{})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	var got struct {
		LoadBalancingPolicy string `json:"loadBalancingPolicy"`
	}
	if err := json.Unmarshal(sc, &got); err != nil {
		t.Fatalf("unmarshal selected config: %v", err)
	}
	if got.LoadBalancingPolicy != "B" {
		t.Fatalf("got policy %q, want B", got.LoadBalancingPolicy)
	}
}

func TestSelectCanarySkipsOverPercentage(t *testing.T) {
	txt := []string{
		`grpc_config=[{"percentage":10,"serviceConfig":{"loadBalancingPolicy":"A"}},` +
			`{"serviceConfig":{"loadBalancingPolicy":"B"}}]`,
	}
	p := 50.0
	sc, err := serviceconfig.Select(txt, serviceconfig.SelectorOptions{Percentile: &p})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	var got struct {
		LoadBalancingPolicy string `json:"loadBalancingPolicy"`
	}
	json.Unmarshal(sc, &got)
	if got.LoadBalancingPolicy != "B" {
		t.Fatalf("got policy %q, want B (first choice's 10%% threshold missed at percentile 50)", got.LoadBalancingPolicy)
	}
}

func TestSelectRejectsUnknownField(t *testing.T) {
	txt := []string{`grpc_config=[{"bogusField": true, "serviceConfig": {}}]`}
	if _, err := serviceconfig.Select(txt, serviceconfig.SelectorOptions{}); err == nil {
		t.Fatalf("expected rejection of unknown canary-choice field")
	}
}

func TestSelectMultilineConcatenation(t *testing.T) {
	txt := []string{
		"unrelated record",
		`grpc_config=[{"serviceC`,
		`onfig":{"loadBalancingPolicy":"C"}}]`,
	}
	sc, err := serviceconfig.Select(txt, serviceconfig.SelectorOptions{})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	var got struct {
		LoadBalancingPolicy string `json:"loadBalancingPolicy"`
	}
	json.Unmarshal(sc, &got)
	if got.LoadBalancingPolicy != "C" {
		t.Fatalf("got policy %q, want C (continuation lines concatenated)", got.LoadBalancingPolicy)
	}
}
