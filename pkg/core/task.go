package core

// BatchTask is handed from the coordinator to a worker over the bounded
// task channel. ExtractionMethods is resolved once at discovery time so
// workers never need to re-read corpus options.
type BatchTask struct {
	Corpus            string
	BatchUUID         string
	ExtractionMethods []string
}
