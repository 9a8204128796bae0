package replica

import "unicode/utf8"

type txn struct {
	origin any
	ops    []Op
	texts  []textEvent
	lists  []*List
}

type textEvent struct {
	text *Text
	ev   TextEvent
}

// addText appends ev, merging it into the previous event when both describe one contiguous edit.
func (tx *txn) addText(t *Text, ev TextEvent) {
	if n := len(tx.texts); n > 0 && tx.texts[n-1].text == t {
		last := &tx.texts[n-1].ev
		switch {
		case ev.Insert != "" && last.Delete == 0 && ev.Index == last.Index+utf8.RuneCountInString(last.Insert):
			last.Insert += ev.Insert
			return
		case ev.Delete > 0 && last.Insert == "" && ev.Index == last.Index:
			last.Delete += ev.Delete
			return
		case ev.Delete > 0 && last.Insert == "" && ev.Index == last.Index-1:
			last.Index--
			last.Delete += ev.Delete
			return
		}
	}
	tx.texts = append(tx.texts, textEvent{text: t, ev: ev})
}

func (tx *txn) touchList(l *List) {
	for _, seen := range tx.lists {
		if seen == l {
			return
		}
	}
	tx.lists = append(tx.lists, l)
}
