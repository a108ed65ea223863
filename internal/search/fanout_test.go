package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSource(name string, est int, text string, err error) *FuncSource {
	return &FuncSource{SourceName: name, Estimated: est, Fn: func(ctx context.Context, q string) (string, error) {
		return text, err
	}}
}

func TestFanOutSource(t *testing.T) {
	src := NewFanOutSource(SourceAll, "全部", staticSource("news", 5, "新闻结果", nil), staticSource("web", 8, "网页结果", nil))
	assert.Equal(t, 8, src.EstimatedTime())

	text, err := src.Search(context.Background(), "茅台")
	require.NoError(t, err)
	assert.Equal(t, "〔news〕\n新闻结果\n\n〔web〕\n网页结果", text)
}

func TestFanOutSourcePartialFailure(t *testing.T) {
	boom := errors.New("503")
	src := NewFanOutSource(SourceAll, "", staticSource("news", 5, "", boom), staticSource("web", 8, "网页结果", nil))
	text, err := src.Search(context.Background(), "茅台")
	require.NoError(t, err)
	assert.Equal(t, "〔web〕\n网页结果", text)

	all := NewFanOutSource(SourceAll, "", staticSource("news", 5, "", boom))
	_, err = all.Search(context.Background(), "茅台")
	assert.ErrorIs(t, err, boom)
}
