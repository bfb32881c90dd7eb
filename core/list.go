// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on xp/common/gg_lists.h (GG_LinkedList / GG_LINKED_LIST_NODE):
// an intrusive doubly linked list where nodes are embedded in the owning
// struct rather than boxed separately.

package core

// ListNode is embedded in a struct to make it a member of a [List].
//
// A ListNode must not be shared between two lists at once.
type ListNode[T any] struct {
	prev, next *ListNode[T]
	value      T
	owner      *List[T]
}

// Value returns the value stored at this node.
func (n *ListNode[T]) Value() T { return n.value }

// List is an intrusive doubly linked list.
//
// The zero value is an empty, ready-to-use list.
type List[T any] struct {
	head, tail *ListNode[T]
	length     int
}

// Len returns the number of nodes currently in the list.
func (l *List[T]) Len() int { return l.length }

// PushBack appends value and returns the new tail node.
func (l *List[T]) PushBack(value T) *ListNode[T] {
	n := &ListNode[T]{value: value, owner: l}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.length++
	return n
}

// PushFront prepends value and returns the new head node.
func (l *List[T]) PushFront(value T) *ListNode[T] {
	n := &ListNode[T]{value: value, owner: l}
	if l.head == nil {
		l.head, l.tail = n, n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}
	l.length++
	return n
}

// Front returns the first node, or nil if the list is empty.
func (l *List[T]) Front() *ListNode[T] { return l.head }

// Next returns the node following n, or nil at the tail.
func (n *ListNode[T]) Next() *ListNode[T] { return n.next }

// Remove unlinks n from its owning list. It is a no-op if n was already
// removed.
func (l *List[T]) Remove(n *ListNode[T]) {
	if n == nil || n.owner != l {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.owner = nil, nil, nil
	l.length--
}

// Each calls fn for every node from head to tail. fn may call [*List.Remove]
// on the node it was passed without disturbing iteration.
func (l *List[T]) Each(fn func(n *ListNode[T])) {
	for n := l.head; n != nil; {
		next := n.next
		fn(n)
		n = next
	}
}
