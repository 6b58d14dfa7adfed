package results

import (
	"testing"

	"github.com/linux-test-project/kirk/data"
	"github.com/stretchr/testify/assert"
)

func TestBrokeSatisfiesReturnCodeInvariant(t *testing.T) {
	test := data.New("test01", "sleep", []string{"2"}, "", nil, false)
	r := Broke(test, 0.6)

	assert.Equal(t, -1, r.ReturnCode)
	assert.Equal(t, StatusBrok, r.Status)
	assert.GreaterOrEqual(t, r.Broken, 1)
}

func TestSkipProducesCONFWithZeroExecTime(t *testing.T) {
	test := data.New("test02", "true", nil, "", nil, true)
	r := Skip(test)

	assert.Equal(t, 32, r.ReturnCode)
	assert.Equal(t, StatusConf, r.Status)
	assert.Zero(t, r.ExecTime)
	assert.Equal(t, 1, r.Skipped)
}

func TestSuiteResultAggregatesCounters(t *testing.T) {
	t1 := data.New("t1", "true", nil, "", nil, true)
	t2 := data.New("t2", "false", nil, "", nil, true)

	sr := NewSuiteResult(data.NewSuite("suite01", []data.Test{t1, t2}), []TestResult{
		{Test: t1, Passed: 1, ExecTime: 1.5, Status: StatusPass},
		{Test: t2, Failed: 1, ExecTime: 0.5, Status: StatusFail},
	}, UnknownSUTInfo(), -1)

	assert.Equal(t, 1, sr.Passed())
	assert.Equal(t, 1, sr.Failed())
	assert.InDelta(t, 2.0, sr.ExecTime, 0.0001)
}

func TestSuiteResultExecTimeOverrideUsedOnTimeout(t *testing.T) {
	sr := NewSuiteResult(data.NewSuite("suite01", nil), nil, UnknownSUTInfo(), 3600)
	assert.Equal(t, 3600.0, sr.ExecTime)
}

func TestStatusStringMapping(t *testing.T) {
	assert.Equal(t, "pass", StatusPass.String())
	assert.Equal(t, "brok", StatusBrok.String())
	assert.Equal(t, "warn", StatusWarn.String())
	assert.Equal(t, "fail", StatusFail.String())
	assert.Equal(t, "conf", StatusConf.String())
}
