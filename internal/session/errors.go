package session

import (
	"context"
	"errors"

	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

// Classify は操作のエラーを分類済みのAPIErrorに変換する。
// IdPの4xxは拒否、それ以外の通信失敗は再試行可能な通信エラーとする。
func Classify(err error) *model.APIError {
	if err == nil {
		return nil
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, provider.ErrNoSession) {
		return model.NewUnauthenticatedError()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderUnavailableError("タイムアウトしました")
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		if pe.Rejected() {
			return model.NewProviderRejectedError(pe.Message)
		}
		return model.NewProviderUnavailableError(pe.Message)
	}

	return model.NewProviderUnavailableError(err.Error())
}

// outcome はメトリクス用の結果ラベルを返す。
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return Classify(err).Category
}
