package bucket

import "github.com/akioCL/o3de-sub000/internal/layout"

// pageList is an intrusive doubly linked list of bucket pages threaded
// through the page headers. Pages with free elements are kept in front of
// full ones.
type pageList struct {
	head *layout.PageHeader
	tail *layout.PageHeader
}

func (l *pageList) front() *layout.PageHeader { return l.head }

func (l *pageList) empty() bool { return l.head == nil }

func (l *pageList) pushFront(p *layout.PageHeader) {
	p.SetPrev(nil)
	p.SetNext(l.head)
	if l.head != nil {
		l.head.SetPrev(p)
	} else {
		l.tail = p
	}
	l.head = p
}

func (l *pageList) pushBack(p *layout.PageHeader) {
	p.SetNext(nil)
	p.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(p)
	} else {
		l.head = p
	}
	l.tail = p
}

func (l *pageList) remove(p *layout.PageHeader) {
	if prev := p.Prev(); prev != nil {
		prev.SetNext(p.Next())
	} else {
		l.head = p.Next()
	}
	if next := p.Next(); next != nil {
		next.SetPrev(p.Prev())
	} else {
		l.tail = p.Prev()
	}
	p.SetNext(nil)
	p.SetPrev(nil)
}

func (l *pageList) moveToFront(p *layout.PageHeader) {
	if l.head == p {
		return
	}
	l.remove(p)
	l.pushFront(p)
}

func (l *pageList) moveToBack(p *layout.PageHeader) {
	if l.tail == p {
		return
	}
	l.remove(p)
	l.pushBack(p)
}
