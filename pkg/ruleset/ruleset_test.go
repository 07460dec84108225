package ruleset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudveil/compliance-engine/pkg/domain"
)

const sampleYAML = `
rules:
  - id: aws-s3-public-read
    cloud: aws
    description: S3 bucket must not allow public read
    service_section: s3
    severity: high
    selector: "$.resources[?(@.type=='aws_s3_bucket')]"
`

func TestParseRuleFileStampsSourceAndVersion(t *testing.T) {
	rules, err := ParseRuleFile([]byte(sampleYAML), "src-1", 3)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "src-1", rules[0].SourceID)
	assert.Equal(t, 3, rules[0].Version)
	assert.Equal(t, domain.CloudAWS, rules[0].Cloud)
}

func TestParseRuleFileRejectsInvalidYAML(t *testing.T) {
	_, err := ParseRuleFile([]byte("not: [valid"), "src-1", 1)
	assert.Error(t, err)
}
