package validate

import (
	"testing"

	"github.com/mastercactapus/gcnc/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_NegativeFeed(t *testing.T) {
	issues := New(V1_2).ValidateProgram("G1 X10 F-5")
	require.Len(t, issues, 1)
	assert.Equal(t, Error, issues[0].Severity)
	assert.Contains(t, issues[0].Type, "feed rate")
	assert.Equal(t, 1, issues[0].Line)
}

func TestValidator_Clean(t *testing.T) {
	assert.Empty(t, New(V1_2).ValidateProgram("G1 X10 F1000"))
}

func TestValidator_SystemCommands(t *testing.T) {
	v := New(V1_1)
	assert.Empty(t, v.ValidateProgram("$X\n$H\n$$\n$I\n$110=500.0 (x max rate)\nG1 X10 F1000"))

	issues := v.ValidateProgram("$X\n$J=G91 X10 F-5")
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].Line)
	assert.Equal(t, "Invalid feed rate", issues[0].Type)
}

func TestValidator_Version(t *testing.T) {
	v := New(V1_0)
	issues := v.ValidateProgram("G0 X0\nG2 X10 Y0 I5 J0\nM4 S100\nG38.2 Z-10 F50")
	require.Len(t, issues, 3)

	assert.Equal(t, 2, issues[0].Line)
	assert.Equal(t, Error, issues[0].Severity)
	assert.Equal(t, "Command G2 requires GRBL 1.1 or later", issues[0].Message)
	assert.Equal(t, "Remove G2 or upgrade GRBL firmware", issues[0].Suggestion)

	assert.Equal(t, 3, issues[1].Line)
	assert.Equal(t, 4, issues[2].Line)
	assert.Contains(t, issues[2].Message, "G38.2")

	v.SetTarget(V1_1)
	assert.Empty(t, v.ValidateProgram("G02 X10 Y0 I5 J0"))
}

func TestValidator_SetRuleEnabled(t *testing.T) {
	v := New(V1_0)
	require.NoError(t, v.SetRuleEnabled("G2_arc_cw", false))
	assert.Empty(t, v.ValidateLine("G2 X1 Y1 I1 J0", 1))

	require.NoError(t, v.SetRuleEnabled("M4", false))
	assert.Empty(t, v.ValidateLine("M4", 1))

	require.NoError(t, v.SetRuleEnabled(FeedRateCheck, false))
	assert.Empty(t, v.ValidateLine("G1 X1 F0", 1))

	err := v.SetRuleEnabled("nope", false)
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestValidator_Ranges(t *testing.T) {
	v := New(V1_2)

	issues := v.ValidateLine("G1 X1 F25000", 7)
	require.Len(t, issues, 1)
	assert.Equal(t, Warning, issues[0].Severity)
	assert.Equal(t, "High feed rate", issues[0].Type)
	assert.Equal(t, 7, issues[0].Line)

	issues = v.ValidateLine("M3 S-1", 1)
	require.Len(t, issues, 1)
	assert.Equal(t, Error, issues[0].Severity)
	assert.Equal(t, "Invalid spindle speed", issues[0].Type)

	issues = v.ValidateLine("M3 S31000", 1)
	require.Len(t, issues, 1)
	assert.Equal(t, Warning, issues[0].Severity)

	issues = v.ValidateLine("G0 X1 Y abc", 1)
	require.Len(t, issues, 1)
	assert.Equal(t, "Invalid Y coordinate", issues[0].Type)

	issues = v.ValidateLine("G0 X1 ; Y abc F-1", 1)
	assert.Empty(t, issues)
}

func TestValidator_Limits(t *testing.T) {
	v := New(V1_2)
	v.SetLimits(&Limits{Max: coord.Point{X: 100, Y: 100, Z: 10}, Min: coord.Point{Z: -50}})

	issues := v.ValidateProgram("G0 X50 Y50\nG0 X150\nG1 Z-60 F100")
	require.Len(t, issues, 2)
	assert.Equal(t, Critical, issues[0].Severity)
	assert.Equal(t, 2, issues[0].Line)
	assert.True(t, HasCritical(issues))
	assert.True(t, HasBlocking(issues))
	assert.Equal(t, 2, Summary(issues)[Critical])
}

func TestVersionOf(t *testing.T) {
	assert.Equal(t, V1_0, VersionOf(0, 9))
	assert.Equal(t, V1_0, VersionOf(1, 0))
	assert.Equal(t, V1_1, VersionOf(1, 1))
	assert.Equal(t, V1_2, VersionOf(1, 2))
	assert.Equal(t, V1_2, VersionOf(2, 0))
	assert.True(t, V1_0 < V1_1 && V1_1 < V1_2)

	v, err := ParseGrblVersion("1.1")
	assert.NoError(t, err)
	assert.Equal(t, V1_1, v)
	_, err = ParseGrblVersion("latest")
	assert.Error(t, err)
}
