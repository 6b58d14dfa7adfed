package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSUT struct {
	name string
}

func TestRegisterAndNewRoundtrip(t *testing.T) {
	r := NewRegistry[*fakeSUT]("sut")
	r.Register("host", map[string]string{}, func(config map[string]string) (*fakeSUT, error) {
		return &fakeSUT{name: "host"}, nil
	})

	got, err := r.New("host", nil)
	require.NoError(t, err)
	assert.Equal(t, "host", got.name)
}

func TestRegisterDuplicateNamePanics(t *testing.T) {
	r := NewRegistry[*fakeSUT]("sut")
	r.Register("host", nil, func(config map[string]string) (*fakeSUT, error) {
		return &fakeSUT{}, nil
	})

	assert.Panics(t, func() {
		r.Register("host", nil, func(config map[string]string) (*fakeSUT, error) {
			return &fakeSUT{}, nil
		})
	})
}

func TestNewUnknownNameReturnsError(t *testing.T) {
	r := NewRegistry[*fakeSUT]("sut")
	_, err := r.New("ghost", nil)
	assert.Error(t, err)
}

func TestNamesSortedAndDescribeMatches(t *testing.T) {
	r := NewRegistry[*fakeSUT]("framework")
	r.Register("ltp", map[string]string{"ltp-path": "path to installed LTP"}, func(config map[string]string) (*fakeSUT, error) {
		return &fakeSUT{}, nil
	})
	r.Register("kselftest", map[string]string{}, func(config map[string]string) (*fakeSUT, error) {
		return &fakeSUT{}, nil
	})

	assert.Equal(t, []string{"kselftest", "ltp"}, r.Names())

	descs := r.Describe()
	require.Len(t, descs, 2)
	assert.Equal(t, "kselftest", descs[0].Name)
	assert.Equal(t, "ltp", descs[1].Name)
	assert.Equal(t, "path to installed LTP", descs[1].Help["ltp-path"])
}
