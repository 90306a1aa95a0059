package retrieve

import (
	"context"

	"opsrag/internal/feedback"
)

// RecordFeedback stores an explicit verdict for a (query, doc) pair,
// embedding the query so similar future phrasings benefit.
func (r *Retriever) RecordFeedback(ctx context.Context, query, docID string, rating int, userID string) (bool, error) {
	if r.fb == nil {
		return false, nil
	}
	qvec, err := r.emb.Embed(ctx, query)
	if err != nil {
		// The rating is still worth keeping without the vector.
		r.log.Warn().Err(err).Msg("query embedding failed, recording feedback without vector")
		qvec = nil
	}
	return r.fb.RecordFeedback(ctx, query, docID, rating, userID, qvec)
}

// RecordImplicitFeedback turns a user selection into signals: the
// selected document gets +1 and each non-selected document among the
// first 3 shown positions gets -1. The long tail receives no signal, so a
// deep list is not punished for merely existing.
func (r *Retriever) RecordImplicitFeedback(ctx context.Context, query, selectedDocID string, shownDocIDs []string, userID string) (int, error) {
	if r.fb == nil {
		return 0, nil
	}
	var ratings []feedback.DocRating
	for i, docID := range shownDocIDs {
		switch {
		case docID == selectedDocID:
			ratings = append(ratings, feedback.DocRating{DocID: docID, Rating: feedback.RatingPositive})
		case i < 3:
			ratings = append(ratings, feedback.DocRating{DocID: docID, Rating: feedback.RatingNegative})
		}
	}
	if len(ratings) == 0 {
		return 0, nil
	}
	return r.fb.RecordBatchFeedback(ctx, query, ratings, userID)
}
