package orders

type Status string

const (
	StatusNew         Status = "new"
	StatusPaid        Status = "paid"
	StatusProcessed   Status = "processed"
	StatusReadyPickup Status = "ready_pickup"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusNew:         {StatusPaid: true, StatusCancelled: true},
	StatusPaid:        {StatusProcessed: true, StatusCancelled: true},
	StatusProcessed:   {StatusReadyPickup: true, StatusCancelled: true},
	StatusReadyPickup: {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
