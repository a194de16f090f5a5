package sam

import "errors"

// ErrMissingPrompt 提示点坐标与标签只提供了其中之一
var ErrMissingPrompt = errors.New("提示点坐标和标签必须同时提供")
