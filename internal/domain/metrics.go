package domain

// LoadResult labels the outcome of a group load request.
type LoadResult string

const (
	// LoadResultSuccess indicates the plugin was initialized and hosted.
	LoadResultSuccess LoadResult = "success"
	// LoadResultInvalid indicates the request could not be decoded.
	LoadResultInvalid LoadResult = "invalid_request"
	// LoadResultInitFailed indicates plugin initialization failed.
	LoadResultInitFailed LoadResult = "init_failed"
	// LoadResultRejected indicates the group refused the request.
	LoadResultRejected LoadResult = "rejected"
)

// Metrics records group host activity.
type Metrics interface {
	ObserveLoad(result LoadResult)
	SetActiveInstances(count int)
	ObserveInstanceExit(err error)
	ObserveCapturedLine(stream string)
	ObserveIdleShutdown()
}
