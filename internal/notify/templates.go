package notify

import (
	"fmt"
	"strings"

	"github.com/imrishuroy/go-booking-dispatch/internal/bookings"
)

func euros(cents int64) string {
	return fmt.Sprintf("€%d,%02d", cents/100, cents%100)
}

// Broadcast offers the booking to a provider. The address is withheld until assignment.
func Broadcast(b *bookings.Booking) Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Nieuwe klus: %s (%d min)\n", b.Service.Name, b.Service.DurationMinutes)
	fmt.Fprintf(&sb, "Wanneer: %s\n", b.TimeWindow)
	fmt.Fprintf(&sb, "Waar: %s", b.Area)
	if b.Customer.Postcode != "" {
		fmt.Fprintf(&sb, " (%s)", b.Customer.Postcode)
	}
	fmt.Fprintf(&sb, "\nUitbetaling: %s\n", euros(b.Service.PayoutCents))
	fmt.Fprintf(&sb, "Antwoord JA %s om te accepteren of NEE %s om te weigeren.", b.AcceptCode, b.AcceptCode)
	return Message{Kind: KindBroadcast, BookingID: b.ID, Text: sb.String(), AcceptCode: b.AcceptCode}
}

// Assigned confirms the job to the winner with full customer details.
func Assigned(b *bookings.Booking) Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "De klus is van jou: %s, %s\n", b.Service.Name, b.TimeWindow)
	fmt.Fprintf(&sb, "Klant: %s\n", b.Customer.Name)
	fmt.Fprintf(&sb, "Adres: %s", b.Customer.Address)
	if b.Customer.Postcode != "" {
		fmt.Fprintf(&sb, ", %s", b.Customer.Postcode)
	}
	if b.Customer.Phone != "" {
		fmt.Fprintf(&sb, "\nTelefoon: %s", b.Customer.Phone)
	}
	fmt.Fprintf(&sb, "\nUitbetaling: %s", euros(b.Service.PayoutCents))
	return Message{Kind: KindAssigned, BookingID: b.ID, Text: sb.String()}
}

// Taken answers a sender who lost the race.
func Taken(bookingID string) Message {
	return Message{Kind: KindTaken, BookingID: bookingID, Text: "Helaas, deze klus is al door iemand anders aangenomen."}
}

// NotAvailable tells the other recipients the booking is gone.
func NotAvailable(b *bookings.Booking) Message {
	return Message{
		Kind:      KindNotAvailable,
		BookingID: b.ID,
		Text:      fmt.Sprintf("De klus %s (%s) is niet meer beschikbaar.", b.Service.Name, b.TimeWindow),
	}
}

func WindowClosed(bookingID string) Message {
	return Message{Kind: KindWindowClosed, BookingID: bookingID, Text: "Deze klus kan niet meer worden aangenomen, de reactietijd is verlopen."}
}

func DeclineAck(bookingID string) Message {
	return Message{Kind: KindDeclineAck, BookingID: bookingID, Text: "Bedankt voor je reactie, we bieden de klus aan iemand anders aan."}
}

// AskCode is sent when a bare reply matches more than one open offer.
func AskCode() Message {
	return Message{Kind: KindAskCode, Text: "Je hebt meerdere openstaande aanvragen. Antwoord met JA gevolgd door de code uit het bericht."}
}

// NoOpenOffer answers a reply that matches nothing offered to the sender.
func NoOpenOffer() Message {
	return Message{Kind: KindNoOffer, Text: "We hebben geen openstaande klus voor je gevonden bij dit bericht."}
}

func CustomerAssigned(b *bookings.Booking) Message {
	return Message{
		Kind:      KindCustomer,
		BookingID: b.ID,
		Text:      fmt.Sprintf("Goed nieuws: je %s (%s) is bevestigd.", b.Service.Name, b.TimeWindow),
	}
}

func CustomerRefunded(b *bookings.Booking) Message {
	return Message{
		Kind:      KindCustomer,
		BookingID: b.ID,
		Text: fmt.Sprintf("We konden helaas niemand vinden voor je %s (%s). Het bedrag van %s wordt teruggestort.",
			b.Service.Name, b.TimeWindow, euros(b.RefundAmountCents)),
	}
}
